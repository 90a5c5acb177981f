package update

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "connection reset by peer" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

var _ net.Error = (*fakeNetError)(nil)

// =============================================================================
// Retry Classification
// =============================================================================

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", ErrCircuitOpen, false},
		{"wrapped circuit open", fmt.Errorf("send failed: %w", ErrCircuitOpen), false},
		{"agent not connected", ErrAgentNotConnected, true},
		{"wrapped not connected", fmt.Errorf("host-1: %w", ErrAgentNotConnected), true},
		{"ack timeout", ErrAckTimeout, true},
		{"net error", &fakeNetError{timeout: true}, true},
		{"wrapped net error", fmt.Errorf("write: %w", &fakeNetError{}), true},
		{"busy agent", &CommandError{Code: types.CodeBusy, Message: "update in progress"}, true},
		{"bad request", &CommandError{Code: types.CodeBadRequest, Message: "missing image"}, false},
		{"unsupported", &CommandError{Code: types.CodeUnsupported, Message: "no such command"}, false},
		{"unauthenticated", &CommandError{Code: types.CodeUnauthenticated, Message: "bad token"}, false},
		{"uncoded rejection", &CommandError{Message: "unknown command"}, false},
		{"unclassified error", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Breaker Accounting
// =============================================================================

func TestCountsForBreaker(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport failure", &fakeNetError{}, true},
		{"not connected", ErrAgentNotConnected, true},
		{"ack timeout", fmt.Errorf("dispatch: %w", ErrAckTimeout), true},
		{"busy is a live agent", &CommandError{Code: types.CodeBusy}, false},
		{"rejection is a live agent", &CommandError{Code: types.CodeBadRequest}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CountsForBreaker(tt.err); got != tt.want {
				t.Errorf("CountsForBreaker(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCommandError_Message(t *testing.T) {
	err := &CommandError{Code: types.CodeBadRequest, Message: "missing target_image"}
	want := "agent rejected command (bad_request): missing target_image"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &CommandError{Message: "nope"}
	if bare.Error() != "agent rejected command: nope" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
