package scheduler

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/hosts"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(hosts.NewRegistry(quietLog()), nil, quietLog())
	err := s.Start("not a cron expression")
	if err == nil || !strings.Contains(err.Error(), "invalid check schedule") {
		t.Fatalf("Expected schedule error, got %v", err)
	}
}

func TestStartAcceptsCommonSchedules(t *testing.T) {
	for _, expr := range []string{
		"0 */6 * * *",  // Five fields
		"30 2 * * * *", // Six fields with seconds
		"@every 6h",    // Descriptor
	} {
		s := New(hosts.NewRegistry(quietLog()), nil, quietLog())
		if err := s.Start(expr); err != nil {
			t.Errorf("Expected %q accepted, got %v", expr, err)
		}
		s.Stop()
	}
}

func TestRunCheckSingleFlight(t *testing.T) {
	s := New(hosts.NewRegistry(quietLog()), nil, quietLog())

	// Simulate a run already in flight: the tick must bail out fast and
	// leave the flag alone
	s.running.Store(true)
	s.runCheck()
	if !s.running.Load() {
		t.Error("Skipped tick must not clear the running flag")
	}

	// Normal runs release the flag on completion
	s.running.Store(false)
	s.runCheck()
	if s.running.Load() {
		t.Error("Expected running flag cleared after a completed run")
	}
}
