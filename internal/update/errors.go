package update

import (
	"errors"
	"fmt"
	"net"

	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

// Dispatch error classes. Agent transport code wraps its failures in these
// sentinels so retry and breaker decisions never depend on message text.
var (
	// ErrCircuitOpen is returned without touching the network while a
	// host's breaker is open.
	ErrCircuitOpen = errors.New("agent circuit open")

	// ErrAgentNotConnected means no live link exists for the host.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrAckTimeout means the command was written but no acknowledgment
	// arrived in time.
	ErrAckTimeout = errors.New("agent acknowledgment timeout")
)

// CommandError is a structured rejection returned by an agent. The code
// comes from the response envelope; unknown codes are treated as permanent.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("agent rejected command: %s", e.Message)
	}
	return fmt.Sprintf("agent rejected command (%s): %s", e.Code, e.Message)
}

// Retryable reports whether resending the same command can succeed.
func (e *CommandError) Retryable() bool {
	return e.Code == types.CodeBusy
}

// IsRetryable classifies a dispatch error. Transient transport conditions
// and busy agents are retryable; everything else fails immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Retryable()
	}
	if errors.Is(err, ErrAgentNotConnected) || errors.Is(err, ErrAckTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// CountsForBreaker reports whether a dispatch outcome feeds the host's
// consecutive-failure counter. Any command-level rejection, busy included,
// came from a live agent over a working link, so only transport failures
// count.
func CountsForBreaker(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return false
	}
	return true
}
