package agents

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/darthnorse/dockmon-update-service/internal/update"
)

// BreakerSettings tunes the per-host circuit breakers.
type BreakerSettings struct {
	FailureThreshold uint32        // Consecutive dispatch failures that open the circuit
	Window           time.Duration // Closed-state failure counter reset interval
	Cooldown         time.Duration // Open state duration before one half-open probe
}

// DefaultBreakerSettings returns the agent transport defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// BreakerGroup lazily creates one circuit breaker per agent host. A
// flapping host trips only its own circuit; commands for other hosts
// keep flowing.
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings
	log      *logrus.Logger
}

func NewBreakerGroup(settings BreakerSettings, log *logrus.Logger) *BreakerGroup {
	defaults := DefaultBreakerSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = defaults.FailureThreshold
	}
	if settings.Window <= 0 {
		settings.Window = defaults.Window
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = defaults.Cooldown
	}
	return &BreakerGroup{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
		log:      log,
	}
}

// ForHost returns the host's breaker, creating it on first use.
func (g *BreakerGroup) ForHost(hostID string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[hostID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        hostID,
		MaxRequests: 1, // Exactly one trial command while half-open
		Interval:    g.settings.Window,
		Timeout:     g.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.settings.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Command-level rejections come from a live agent and must
			// not open the circuit
			return !update.CountsForBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			entry := g.log.WithFields(logrus.Fields{
				"host_id": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			if to == gobreaker.StateOpen {
				entry.Warn("Agent circuit opened")
			} else {
				entry.Info("Agent circuit state changed")
			}
		},
	})
	g.breakers[hostID] = cb
	return cb
}

// State reports a host's circuit state. The second return is false when
// no command has ever been dispatched to the host.
func (g *BreakerGroup) State(hostID string) (gobreaker.State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[hostID]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}
