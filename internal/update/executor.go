package update

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// ConnectionKind is a host's connection-type metadata: how the service
// reaches its engine.
type ConnectionKind string

const (
	// KindLocal is a unix socket on the service's own host.
	KindLocal ConnectionKind = "local"
	// KindRemote is a TCP endpoint secured with mutual TLS.
	KindRemote ConnectionKind = "remote"
	// KindAgent is a host reachable only through its agent's link.
	KindAgent ConnectionKind = "agent"
)

// EngineProvider resolves a host id to a ready engine client and the
// host's detected capabilities. Local and remote hosts have one; agent
// hosts are reached through a CommandSender instead.
type EngineProvider interface {
	EngineClient(ctx context.Context, hostID string) (*client.Client, *EngineCaps, error)
}

// UpdateExecutor is the top-level entry point: it selects the local or
// agent backend per host connection kind and returns a uniform result.
// One instance serves all hosts; per-call state arrives in the context
// and options.
type UpdateExecutor struct {
	engines  EngineProvider
	sender   CommandSender
	registry *PendingRegistry
	log      *logrus.Logger

	// AgentWaitTimeout overrides the completion-wait window for agent
	// updates (zero keeps DefaultAgentUpdateTimeout)
	AgentWaitTimeout time.Duration
}

// NewUpdateExecutor wires the router. engines may be nil when the process
// manages only agent hosts, and sender/registry may be nil when it manages
// only direct ones.
func NewUpdateExecutor(engines EngineProvider, sender CommandSender, registry *PendingRegistry, log *logrus.Logger) *UpdateExecutor {
	return &UpdateExecutor{
		engines:  engines,
		sender:   sender,
		registry: registry,
		log:      log,
	}
}

// Execute validates the context, routes it to the backend for the host's
// connection kind, and returns the backend's result unchanged. Options
// carry the per-call progress sinks.
func (x *UpdateExecutor) Execute(ctx context.Context, uctx *UpdateContext, kind ConnectionKind, opts UpdaterOptions) *UpdateResult {
	if err := uctx.Validate(); err != nil {
		return FailureResult(uctx, err.Error(), false)
	}

	switch kind {
	case KindAgent:
		if x.sender == nil || x.registry == nil {
			return FailureResult(uctx, "agent backend not configured", false)
		}
		agent := NewAgentUpdateExecutor(x.sender, x.registry, x.log, opts)
		agent.WaitTimeout = x.AgentWaitTimeout
		return agent.Execute(ctx, uctx)

	case KindLocal, KindRemote:
		if x.engines == nil {
			return FailureResult(uctx, "engine backend not configured", false)
		}
		cli, caps, err := x.engines.EngineClient(ctx, uctx.HostID)
		if err != nil {
			return FailureResult(uctx, fmt.Sprintf("failed to reach engine for host %s: %v", uctx.HostID, err), false)
		}
		if opts.Caps == nil {
			opts.Caps = caps
		}
		return NewLocalUpdateExecutor(cli, x.log, opts).Execute(ctx, uctx)

	default:
		return FailureResult(uctx, fmt.Sprintf("unknown host connection kind %q", kind), false)
	}
}
