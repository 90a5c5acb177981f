package update

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

// DefaultAgentUpdateTimeout bounds a whole remote update cycle: the agent
// pulls, recreates, and health-gates on its own host, so completion arrives
// minutes after the acknowledgment, not seconds.
const DefaultAgentUpdateTimeout = 10 * time.Minute

// CommandSender dispatches a command to a connected agent and waits for its
// acknowledgment. Implementations layer retry and breaker policy over the
// raw link. A nil error means the agent accepted the command; the returned
// bytes are the response payload, which long-running commands follow up on
// asynchronously via events.
type CommandSender interface {
	SendCommand(ctx context.Context, hostID string, command string, payload interface{}) (json.RawMessage, error)
}

// AgentUpdateExecutor runs updates on hosts reachable only through their
// agent's WebSocket link. It registers interest in the completion signal
// before dispatching, so an agent that finishes fast cannot slip past the
// waiter.
type AgentUpdateExecutor struct {
	sender   CommandSender
	registry *PendingRegistry
	log      *logrus.Logger
	opts     UpdaterOptions

	// WaitTimeout bounds the wait for the agent's completion report
	// (default DefaultAgentUpdateTimeout)
	WaitTimeout time.Duration
}

// NewAgentUpdateExecutor creates an executor sharing the process-wide
// pending registry with the inbound message handlers.
func NewAgentUpdateExecutor(sender CommandSender, registry *PendingRegistry, log *logrus.Logger, opts UpdaterOptions) *AgentUpdateExecutor {
	return &AgentUpdateExecutor{
		sender:   sender,
		registry: registry,
		log:      log,
		opts:     opts,
	}
}

func (e *AgentUpdateExecutor) waitTimeout() time.Duration {
	if e.WaitTimeout > 0 {
		return e.WaitTimeout
	}
	return DefaultAgentUpdateTimeout
}

// Execute dispatches the update command and blocks until the agent reports
// completion or the wait window closes. The pending operation is
// unregistered on every path; completion signals arriving after that are
// logged and dropped by the registry.
func (e *AgentUpdateExecutor) Execute(ctx context.Context, uctx *UpdateContext) *UpdateResult {
	e.log.WithFields(logrus.Fields{
		"host_id":      uctx.HostID,
		"container_id": uctx.ContainerID,
		"target_image": uctx.TargetImage,
	}).Info("Starting agent container update")

	e.opts.progress(StageInitiating, "Dispatching update to agent")

	// Register before sending: the completion signal may beat the ack
	op := e.registry.Register(uctx.HostID, uctx.ContainerID, uctx.ContainerName)
	defer e.registry.Unregister(uctx.HostID, uctx.ContainerID)

	cmd := types.UpdateCommand{
		HostID:           uctx.HostID,
		ContainerID:      uctx.ContainerID,
		ContainerName:    uctx.ContainerName,
		CurrentImage:     uctx.CurrentImage,
		TargetImage:      uctx.TargetImage,
		HealthTimeout:    uctx.HealthTimeout,
		Force:            uctx.Force,
		RegistryAuth:     encodeRegistryAuth(uctx.RegistryAuth),
		TrackingRecordID: uctx.RecordID,
	}

	if _, err := e.sender.SendCommand(ctx, uctx.HostID, types.CommandUpdateContainer, cmd); err != nil {
		e.log.WithError(err).Error("Failed to dispatch update command")
		e.opts.progress(StageFailed, err.Error())
		return FailureResult(uctx, err.Error(), false)
	}

	e.opts.progress(StageAgentUpdating, "Agent is updating the container")

	if err := e.registry.WaitForCompletion(ctx, op, e.waitTimeout()); err != nil {
		e.log.WithError(err).Warnf("Agent update did not complete for %s", op.ContainerName)
		e.opts.progress(StageFailed, err.Error())
		return FailureResult(uctx, err.Error(), false)
	}

	if !op.Success {
		e.opts.progress(StageFailed, op.Error)
		return FailureResult(uctx, op.Error, op.RolledBack)
	}

	result := SuccessResult(uctx, op.NewContainerID)
	e.opts.progress(StageCompleted, "Agent update complete")

	e.log.WithFields(logrus.Fields{
		"old_container": uctx.ContainerID,
		"new_container": result.NewContainerID,
		"name":          uctx.ContainerName,
	}).Info("Agent container update completed successfully")

	return result
}

// encodeRegistryAuth packs credentials the way the engine's pull endpoint
// expects them, so the agent can pass the string straight through.
func encodeRegistryAuth(auth *RegistryAuth) string {
	if auth == nil || auth.Username == "" {
		return ""
	}
	encoded, err := json.Marshal(map[string]string{
		"username": auth.Username,
		"password": auth.Password,
	})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(encoded)
}
