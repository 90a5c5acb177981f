package update

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
)

// scriptedInspector plays back a fixed sequence of inspect results; the
// last entry repeats once the script runs out.
type scriptedInspector struct {
	mu     sync.Mutex
	states []types.ContainerJSON
	calls  int
	err    error
}

func (s *scriptedInspector) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.ContainerJSON{}, s.err
	}
	idx := s.calls
	if idx >= len(s.states) {
		idx = len(s.states) - 1
	}
	s.calls++
	return s.states[idx], nil
}

func stateWithHealth(healthStatus string) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{
				Status:  "running",
				Running: true,
				Health:  &types.Health{Status: healthStatus},
			},
		},
	}
}

func stateRunningNoProbe() types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Status: "running", Running: true},
		},
	}
}

func stateNotStarted(status string) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Status: status},
		},
	}
}

func stateExited(exitCode int) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Status: "exited", ExitCode: exitCode},
		},
	}
}

func fastGate(engine containerInspector) *HealthGate {
	gate := NewHealthGate(engine, quietLog())
	gate.PollInterval = 5 * time.Millisecond
	gate.StabilityWindow = 20 * time.Millisecond
	return gate
}

// =============================================================================
// Probe-Backed Containers
// =============================================================================

func TestHealthGate_HealthySuccessBeforeTimeout(t *testing.T) {
	engine := &scriptedInspector{states: []types.ContainerJSON{
		stateNotStarted("created"),
		stateNotStarted("created"),
		stateWithHealth("starting"),
		stateWithHealth("healthy"),
	}}

	gate := fastGate(engine)
	timeout := 5 * time.Second

	start := time.Now()
	err := gate.Wait(context.Background(), "abc123def456", timeout)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed >= timeout {
		t.Errorf("Wait took %s, should short-circuit well before the %s timeout", elapsed, timeout)
	}
}

func TestHealthGate_UnhealthyFailsImmediately(t *testing.T) {
	engine := &scriptedInspector{states: []types.ContainerJSON{
		stateWithHealth("unhealthy"),
	}}

	gate := fastGate(engine)
	timeout := 10 * time.Second

	start := time.Now()
	err := gate.Wait(context.Background(), "abc123def456", timeout)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected failure for unhealthy container")
	}
	if !strings.Contains(err.Error(), "unhealthy") {
		t.Errorf("error should name the unhealthy verdict: %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("unhealthy must short-circuit, took %s", elapsed)
	}
}

func TestHealthGate_StartingThenHealthy(t *testing.T) {
	engine := &scriptedInspector{states: []types.ContainerJSON{
		stateWithHealth("starting"),
		stateWithHealth("starting"),
		stateWithHealth("healthy"),
	}}

	if err := fastGate(engine).Wait(context.Background(), "abc123def456", 5*time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

// =============================================================================
// Probe-Less Containers
// =============================================================================

func TestHealthGate_StabilityWindowSuccess(t *testing.T) {
	engine := &scriptedInspector{states: []types.ContainerJSON{
		stateRunningNoProbe(),
		stateRunningNoProbe(), // Re-check after the window
	}}

	if err := fastGate(engine).Wait(context.Background(), "abc123def456", 5*time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if engine.calls < 2 {
		t.Errorf("stability path must re-check after the window, got %d inspects", engine.calls)
	}
}

func TestHealthGate_CrashDuringStabilityWindow(t *testing.T) {
	engine := &scriptedInspector{states: []types.ContainerJSON{
		stateRunningNoProbe(),
		stateExited(137),
	}}

	err := fastGate(engine).Wait(context.Background(), "abc123def456", 5*time.Second)
	if err == nil {
		t.Fatal("expected failure for crash inside the stability window")
	}
	if !strings.Contains(err.Error(), "137") {
		t.Errorf("error should carry the exit code: %v", err)
	}
}

// =============================================================================
// Not-Yet-Running and Crash Handling
// =============================================================================

func TestHealthGate_NotRunningIsNotFailure(t *testing.T) {
	// Container sits in created for a few polls before starting.
	engine := &scriptedInspector{states: []types.ContainerJSON{
		stateNotStarted("created"),
		stateNotStarted("created"),
		stateNotStarted("restarting"),
		stateWithHealth("healthy"),
	}}

	if err := fastGate(engine).Wait(context.Background(), "abc123def456", 5*time.Second); err != nil {
		t.Fatalf("not-yet-running should wait, not fail: %v", err)
	}
}

func TestHealthGate_ExitedFailsImmediately(t *testing.T) {
	engine := &scriptedInspector{states: []types.ContainerJSON{
		stateExited(1),
	}}

	start := time.Now()
	err := fastGate(engine).Wait(context.Background(), "abc123def456", 10*time.Second)
	if err == nil {
		t.Fatal("expected failure for an exited container")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("conclusive exit must fail fast, took %s", elapsed)
	}
}

func TestHealthGate_TimeoutBound(t *testing.T) {
	// Never leaves created: the gate must give up within
	// timeout + one poll interval.
	engine := &scriptedInspector{states: []types.ContainerJSON{
		stateNotStarted("created"),
	}}

	gate := fastGate(engine)
	timeout := 50 * time.Millisecond

	start := time.Now()
	err := gate.Wait(context.Background(), "abc123def456", timeout)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("error should mention the timeout: %v", err)
	}
	limit := timeout + gate.PollInterval + 50*time.Millisecond // Scheduling slack
	if elapsed > limit {
		t.Errorf("Wait took %s, must return within %s", elapsed, limit)
	}
}

func TestHealthGate_ContextCancel(t *testing.T) {
	engine := &scriptedInspector{states: []types.ContainerJSON{
		stateNotStarted("created"),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := fastGate(engine).Wait(ctx, "abc123def456", 10*time.Second)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
