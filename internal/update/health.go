package update

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/sirupsen/logrus"
)

// Health gate defaults.
const (
	defaultPollInterval    = 2 * time.Second
	defaultStabilityWindow = 3 * time.Second
)

// containerInspector is the slice of the engine API the health gate needs.
// *client.Client satisfies it.
type containerInspector interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// HealthGate polls a newly created container until it is confirmed healthy
// or declared failed. Containers whose image declares a health probe are
// gated on the probe status; containers without one are gated on surviving
// a short stability window.
type HealthGate struct {
	engine containerInspector
	log    *logrus.Logger

	// PollInterval is the inspect cadence (default 2s)
	PollInterval time.Duration
	// StabilityWindow is the probe-less settle time (default 3s)
	StabilityWindow time.Duration
}

// NewHealthGate builds a gate with default timings.
func NewHealthGate(engine containerInspector, log *logrus.Logger) *HealthGate {
	return &HealthGate{engine: engine, log: log}
}

func (g *HealthGate) pollInterval() time.Duration {
	if g.PollInterval > 0 {
		return g.PollInterval
	}
	return defaultPollInterval
}

func (g *HealthGate) stabilityWindow() time.Duration {
	if g.StabilityWindow > 0 {
		return g.StabilityWindow
	}
	return defaultStabilityWindow
}

// Wait blocks until the container is healthy, failed, or the timeout
// elapses. It returns within timeout plus one poll interval.
//
// A container that has not reached the running state yet is not a failure;
// slow entrypoints and restart policies get the whole timeout to come up.
// Only a conclusive exit (status exited or dead) fails early.
func (g *HealthGate) Wait(ctx context.Context, containerID string, timeout time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("health check timeout after %s", timeout)
		}

		inspect, err := g.engine.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect container: %w", err)
		}

		state := inspect.State
		if state == nil {
			return fmt.Errorf("container %s has no state", shortID(containerID))
		}

		if !state.Running {
			if state.Status == "exited" || state.Status == "dead" {
				return fmt.Errorf("container crashed before becoming ready (exit code: %d)", state.ExitCode)
			}
			g.log.Debugf("Container %s not running yet (%s), waiting", shortID(containerID), state.Status)
			if err := g.sleep(ctx, g.pollInterval()); err != nil {
				return err
			}
			continue
		}

		// No declared health probe: survive a short stability window, then
		// re-check the running state
		if state.Health == nil {
			return g.waitForStability(ctx, containerID, deadline)
		}

		switch state.Health.Status {
		case "healthy":
			g.log.Info("Container is healthy")
			return nil
		case "unhealthy":
			// The probe has spoken; waiting longer cannot change the verdict
			return fmt.Errorf("container is unhealthy")
		case "starting":
			g.log.Debug("Container health is starting, waiting...")
		default:
			g.log.Debugf("Unknown health status: %s, waiting...", state.Health.Status)
		}

		if err := g.sleep(ctx, g.pollInterval()); err != nil {
			return err
		}
	}
}

// waitForStability handles probe-less containers: wait the stability window
// (capped to the remaining budget) and confirm the container is still up.
func (g *HealthGate) waitForStability(ctx context.Context, containerID string, deadline time.Time) error {
	window := g.stabilityWindow()
	if remaining := time.Until(deadline); remaining < window {
		window = remaining
	}
	if window < 0 {
		window = 0
	}

	g.log.Debugf("No health check defined, waiting %s for stability", window)
	if err := g.sleep(ctx, window); err != nil {
		return err
	}

	inspect, err := g.engine.ContainerInspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to inspect container after stability wait: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		exitCode := 0
		if inspect.State != nil {
			exitCode = inspect.State.ExitCode
		}
		return fmt.Errorf("container crashed within %s of starting (exit code: %d)", g.stabilityWindow(), exitCode)
	}

	g.log.Info("Container stable, considering healthy")
	return nil
}

func (g *HealthGate) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
