package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/darthnorse/dockmon-update-service/internal/update"
)

// RetrySettings bounds the redelivery of a single command.
type RetrySettings struct {
	MaxRetries      uint64        // Retries after the first attempt
	InitialInterval time.Duration // First backoff delay
	MaxInterval     time.Duration // Backoff delay cap
}

// DefaultRetrySettings returns the agent transport defaults.
func DefaultRetrySettings() RetrySettings {
	return RetrySettings{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// CommandExecutor dispatches commands to agents through the host's
// circuit breaker and a bounded exponential-backoff retry. It implements
// update.CommandSender.
//
// Layering: the breaker sees one outcome per SendCommand call, after
// retries are exhausted, so transient blips the retry absorbs never
// count against the host.
type CommandExecutor struct {
	links    *Manager
	breakers *BreakerGroup
	retry    RetrySettings
	log      *logrus.Logger
}

func NewCommandExecutor(links *Manager, breakers *BreakerGroup, retry RetrySettings, log *logrus.Logger) *CommandExecutor {
	defaults := DefaultRetrySettings()
	if retry.MaxRetries == 0 {
		retry.MaxRetries = defaults.MaxRetries
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = defaults.InitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = defaults.MaxInterval
	}
	return &CommandExecutor{
		links:    links,
		breakers: breakers,
		retry:    retry,
		log:      log,
	}
}

// SendCommand delivers one command to the host's agent and returns the
// acknowledgment payload. An open circuit fails fast with ErrCircuitOpen
// before any network activity.
func (e *CommandExecutor) SendCommand(ctx context.Context, hostID string, command string, payload interface{}) (json.RawMessage, error) {
	cb := e.breakers.ForHost(hostID)

	result, err := cb.Execute(func() (interface{}, error) {
		return e.dispatch(ctx, hostID, command, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.log.WithFields(logrus.Fields{
				"host_id": hostID,
				"command": command,
			}).Warn("Rejecting agent command, circuit open")
			return nil, fmt.Errorf("%w: host %s", update.ErrCircuitOpen, hostID)
		}
		return nil, err
	}

	if result == nil {
		return nil, nil
	}
	return result.(json.RawMessage), nil
}

// dispatch runs the retry loop around one link write-and-ack. Permanent
// errors abort immediately; transient ones back off and try again while
// the link may have reconnected in between.
func (e *CommandExecutor) dispatch(ctx context.Context, hostID, command string, payload interface{}) (json.RawMessage, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retry.InitialInterval
	bo.MaxInterval = e.retry.MaxInterval
	bo.MaxElapsedTime = 0 // Bounded by MaxRetries, not wall clock

	var resp json.RawMessage
	attempt := 0
	operation := func() error {
		attempt++

		link, ok := e.links.Link(hostID)
		if !ok {
			// The agent may reconnect before the next attempt
			return update.ErrAgentNotConnected
		}

		data, err := link.SendCommand(ctx, command, payload)
		if err != nil {
			if !update.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			e.log.WithFields(logrus.Fields{
				"host_id": hostID,
				"command": command,
				"attempt": attempt,
				"error":   err,
			}).Warn("Agent command attempt failed, retrying")
			return err
		}

		resp = data
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, e.retry.MaxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}
