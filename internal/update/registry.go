package update

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrWaitTimeout is returned when a pending operation is not signaled
// within its wait window.
var ErrWaitTimeout = errors.New("timed out waiting for update completion")

// PendingOperation is one in-flight agent update awaiting its completion
// signal. The registry owns it; the result fields are written exactly once
// by SignalComplete before the done channel closes, so a reader that
// observed the close may read them without locking.
type PendingOperation struct {
	HostID        string
	ContainerID   string // Short form
	ContainerName string
	StartedAt     time.Time

	// Filled by SignalComplete
	NewContainerID string
	Success        bool
	Error          string
	RolledBack     bool

	done  chan struct{}
	fired bool // Guarded by the registry mutex
}

// Done exposes the completion signal for select-based callers.
func (op *PendingOperation) Done() <-chan struct{} {
	return op.done
}

// PendingRegistry tracks in-flight agent updates by composite key and
// bridges asynchronous completion messages back to waiting callers. The
// mutex guards only the map and the single-fire flag; waiting happens on
// each operation's own channel, so concurrent operations never serialize
// behind one another.
type PendingRegistry struct {
	mu  sync.Mutex
	ops map[string]*PendingOperation
	log *logrus.Logger
}

// NewPendingRegistry creates an empty registry. One instance is shared by
// the agent executors and the inbound message handlers.
func NewPendingRegistry(log *logrus.Logger) *PendingRegistry {
	return &PendingRegistry{
		ops: make(map[string]*PendingOperation),
		log: log,
	}
}

// Register creates and stores a pending operation for the container.
// Registering over a live key replaces it; the replaced operation's waiter
// times out on its own.
func (r *PendingRegistry) Register(hostID, containerID, containerName string) *PendingOperation {
	op := &PendingOperation{
		HostID:        hostID,
		ContainerID:   shortID(containerID),
		ContainerName: containerName,
		StartedAt:     time.Now(),
		done:          make(chan struct{}),
	}
	key := CompositeKey(op.HostID, op.ContainerID)

	r.mu.Lock()
	if _, exists := r.ops[key]; exists {
		r.log.Warnf("Replacing existing pending operation for %s", key)
	}
	r.ops[key] = op
	r.mu.Unlock()

	r.log.Debugf("Registered pending operation for %s", key)
	return op
}

// SignalComplete delivers an agent's completion report to whoever is
// waiting on the operation, firing the completion channel exactly once.
// It returns whether the signal reached a live operation; a miss is normal
// when the waiter already timed out and unregistered, so it is logged
// quietly rather than treated as an error.
func (r *PendingRegistry) SignalComplete(hostID, oldContainerID, newContainerID string, success bool, errMsg string, rolledBack bool) bool {
	short := shortID(oldContainerID)
	if len(short) != ShortIDLength {
		r.log.Warnf("Ignoring completion signal with malformed container id %q", oldContainerID)
		return false
	}
	key := CompositeKey(hostID, short)

	r.mu.Lock()
	op, ok := r.ops[key]
	if !ok {
		r.mu.Unlock()
		r.log.Debugf("Completion signal for unknown operation %s, ignoring", key)
		return false
	}
	if op.fired {
		r.mu.Unlock()
		r.log.Debugf("Duplicate completion signal for %s, ignoring", key)
		return false
	}
	op.NewContainerID = shortID(newContainerID)
	op.Success = success
	op.Error = errMsg
	op.RolledBack = rolledBack
	op.fired = true
	close(op.done)
	r.mu.Unlock()

	r.log.Debugf("Signaled completion for %s (success=%v)", key, success)
	return true
}

// WaitForCompletion blocks until the operation is signaled, the timeout
// elapses, or ctx is canceled. On nil return the operation's result fields
// are safe to read. Cleanup stays with the caller: unregister regardless of
// outcome.
func (r *PendingRegistry) WaitForCompletion(ctx context.Context, op *PendingOperation, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-op.done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister removes the operation from the registry. Late signals for the
// removed key become quiet no-ops.
func (r *PendingRegistry) Unregister(hostID, containerID string) {
	key := CompositeKey(hostID, shortID(containerID))

	r.mu.Lock()
	delete(r.ops, key)
	r.mu.Unlock()

	r.log.Debugf("Unregistered pending operation for %s", key)
}

// Count returns the number of operations currently awaiting completion.
func (r *PendingRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}
