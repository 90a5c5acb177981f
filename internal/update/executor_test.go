package update

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/docker/docker/client"

	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

type fakeEngineProvider struct {
	cli  *client.Client
	caps *EngineCaps
	err  error
}

func (f *fakeEngineProvider) EngineClient(ctx context.Context, hostID string) (*client.Client, *EngineCaps, error) {
	return f.cli, f.caps, f.err
}

func TestUpdateExecutor_RejectsInvalidContext(t *testing.T) {
	x := NewUpdateExecutor(nil, nil, nil, quietLog())

	result := x.Execute(context.Background(), &UpdateContext{
		HostID:      "host-1",
		ContainerID: "tooshort",
		TargetImage: "nginx:1.26",
	}, KindLocal, UpdaterOptions{})

	if result.Success {
		t.Fatal("invalid context must fail")
	}
	if !strings.Contains(result.Error, "short id") {
		t.Errorf("error should name the id problem: %q", result.Error)
	}
}

func TestUpdateExecutor_RoutesAgentKind(t *testing.T) {
	registry := NewPendingRegistry(quietLog())
	sender := &fakeSender{}
	sender.onSend = func(cmd types.UpdateCommand) {
		registry.SignalComplete(cmd.HostID, cmd.ContainerID, "deadbeef0000", true, "", false)
	}

	x := NewUpdateExecutor(nil, sender, registry, quietLog())
	result := x.Execute(context.Background(), agentTestContext(), KindAgent, UpdaterOptions{})

	if !result.Success {
		t.Fatalf("agent route failed: %q", result.Error)
	}
	if sender.sentCount() != 1 {
		t.Errorf("agent backend should have dispatched exactly one command, got %d", sender.sentCount())
	}
	if result.NewContainerID != "deadbeef0000" {
		t.Errorf("NewContainerID = %q, want deadbeef0000", result.NewContainerID)
	}
}

func TestUpdateExecutor_AgentKindWithoutSender(t *testing.T) {
	x := NewUpdateExecutor(&fakeEngineProvider{}, nil, nil, quietLog())

	result := x.Execute(context.Background(), agentTestContext(), KindAgent, UpdaterOptions{})
	if result.Success || !strings.Contains(result.Error, "not configured") {
		t.Errorf("expected configuration failure, got %+v", result)
	}
}

func TestUpdateExecutor_EngineResolutionFailure(t *testing.T) {
	provider := &fakeEngineProvider{err: errors.New("tls handshake failed")}
	x := NewUpdateExecutor(provider, nil, nil, quietLog())

	result := x.Execute(context.Background(), agentTestContext(), KindRemote, UpdaterOptions{})
	if result.Success {
		t.Fatal("engine resolution failure must fail the update")
	}
	if !strings.Contains(result.Error, "tls handshake failed") {
		t.Errorf("error should carry the resolution failure: %q", result.Error)
	}
	if result.RolledBack {
		t.Error("nothing ran, so nothing can have rolled back")
	}
}

func TestUpdateExecutor_UnknownKind(t *testing.T) {
	x := NewUpdateExecutor(nil, nil, nil, quietLog())

	result := x.Execute(context.Background(), agentTestContext(), ConnectionKind("carrier-pigeon"), UpdaterOptions{})
	if result.Success || !strings.Contains(result.Error, "carrier-pigeon") {
		t.Errorf("expected unknown-kind failure, got %+v", result)
	}
}
