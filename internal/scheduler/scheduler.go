// Package scheduler runs periodic update-availability checks across the
// host inventory.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/events"
	"github.com/darthnorse/dockmon-update-service/internal/hosts"
	"github.com/darthnorse/dockmon-update-service/internal/metrics"
	"github.com/darthnorse/dockmon-update-service/internal/update"
)

// A full run checks every container on every reachable host and pulls
// their images, so it gets a generous ceiling.
const checkRunTimeout = 30 * time.Minute

// EventSink receives update_available notifications.
type EventSink interface {
	Broadcast(event string, payload interface{})
}

// Scheduler drives cron-scheduled update checks. Runs are single-flight:
// a tick that fires while the previous run is still working is skipped.
type Scheduler struct {
	cron     *cron.Cron
	registry *hosts.Registry
	events   EventSink
	log      *logrus.Logger

	running atomic.Bool
}

func New(registry *hosts.Registry, sink EventSink, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(
				cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
			)),
			cron.WithChain(cron.Recover(cronLogger{log})),
		),
		registry: registry,
		events:   sink,
		log:      log,
	}
}

// Start registers the check job and starts the cron loop.
func (s *Scheduler) Start(cronExpr string) error {
	if _, err := s.cron.AddFunc(cronExpr, s.runCheck); err != nil {
		return fmt.Errorf("invalid check schedule %q: %w", cronExpr, err)
	}

	s.cron.Start()
	s.log.WithField("schedule", cronExpr).Info("Started scheduled update checks")
	return nil
}

// Stop halts the cron loop and waits for a running check to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runCheck() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("Previous update check still running, skipping this tick")
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), checkRunTimeout)
	defer cancel()

	start := time.Now()
	var checked, available, failures int

	for _, h := range s.registry.List() {
		if h.Kind == update.KindAgent {
			// No direct engine access; agent-side checks run on demand
			continue
		}
		c, a, f := s.checkHost(ctx, h)
		checked += c
		available += a
		failures += f
	}

	s.log.WithFields(logrus.Fields{
		"checked":   checked,
		"available": available,
		"failures":  failures,
		"duration":  time.Since(start).Round(time.Millisecond).String(),
	}).Info("Completed scheduled update check")
}

func (s *Scheduler) checkHost(ctx context.Context, h *hosts.Host) (checked, available, failures int) {
	cli, _, err := s.registry.EngineClient(ctx, h.ID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"host_id": h.ID,
			"error":   err,
		}).Warn("Skipping host, engine unavailable")
		return 0, 0, 1
	}

	containers, err := cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"host_id": h.ID,
			"error":   err,
		}).Warn("Failed to list containers")
		return 0, 0, 1
	}

	for _, c := range containers {
		res, err := update.CheckForUpdate(ctx, cli, s.log, h.ID, c.ID)
		if err != nil {
			failures++
			s.log.WithFields(logrus.Fields{
				"host_id":   h.ID,
				"container": c.ID,
				"error":     err,
			}).Debug("Update check failed")
			continue
		}

		checked++
		metrics.Global.RecordCheck(res.UpdateAvailable)
		if res.UpdateAvailable {
			available++
			if s.events != nil {
				s.events.Broadcast(events.EventUpdateAvailable, res)
			}
		}
	}
	return checked, available, failures
}

// cronLogger adapts logrus to the cron logger interface.
type cronLogger struct {
	log *logrus.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.WithField("details", keysAndValues).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.WithError(err).Error(msg)
}
