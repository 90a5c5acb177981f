package protocol

import (
	"errors"
	"testing"

	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

var errTest = errors.New("boom")

// =============================================================================
// Envelope Encode/Decode
// =============================================================================

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := NewCommand(types.CommandUpdateContainer, types.UpdateCommand{
		HostID:      "host-1",
		ContainerID: "abc123def456",
		TargetImage: "nginx:1.27",
	})

	data, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	if decoded.Type != types.TypeCommand {
		t.Errorf("Type = %q, want %q", decoded.Type, types.TypeCommand)
	}
	if decoded.Command != types.CommandUpdateContainer {
		t.Errorf("Command = %q, want %q", decoded.Command, types.CommandUpdateContainer)
	}
	if decoded.ID == "" {
		t.Error("expected a correlation ID, got empty string")
	}
	if decoded.Timestamp.IsZero() {
		t.Error("EncodeMessage should stamp the message")
	}
}

func TestDecodeMessage_InvalidJSON(t *testing.T) {
	if _, err := DecodeMessage([]byte("{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestNewCommand_UniqueIDs(t *testing.T) {
	a := NewCommand(types.CommandUpdateContainer, nil)
	b := NewCommand(types.CommandUpdateContainer, nil)
	if a.ID == b.ID {
		t.Errorf("two commands got the same correlation ID %q", a.ID)
	}
}

// =============================================================================
// Payload Parsing
// =============================================================================

func TestParsePayload_MapToStruct(t *testing.T) {
	// Payloads arrive as map[string]interface{} after JSON decode.
	msg := &types.Message{
		Type:    types.TypeEvent,
		Command: types.EventUpdateComplete,
		Payload: map[string]interface{}{
			"host_id":          "host-1",
			"old_container_id": "abc123def456",
			"new_container_id": "deadbeef0000",
			"success":          true,
		},
	}

	var payload types.UpdateCompleteEvent
	if err := ParsePayload(msg, &payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}

	if payload.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", payload.HostID, "host-1")
	}
	if payload.NewContainerID != "deadbeef0000" {
		t.Errorf("NewContainerID = %q, want %q", payload.NewContainerID, "deadbeef0000")
	}
	if !payload.Success {
		t.Error("Success = false, want true")
	}
}

func TestNewCommandResponse_CarriesError(t *testing.T) {
	resp := NewCommandResponse("id-1", nil, errTest)
	if resp.Type != types.TypeResponse {
		t.Errorf("Type = %q, want %q", resp.Type, types.TypeResponse)
	}
	if resp.ID != "id-1" {
		t.Errorf("ID = %q, want %q", resp.ID, "id-1")
	}
	if resp.Error != "boom" {
		t.Errorf("Error = %q, want %q", resp.Error, "boom")
	}
}
