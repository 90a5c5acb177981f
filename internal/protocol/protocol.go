// Package protocol encodes and decodes the WebSocket message envelope
// spoken between the update service and its agents.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

// EncodeMessage encodes a message to JSON bytes
func EncodeMessage(msg *types.Message) ([]byte, error) {
	msg.Timestamp = time.Now().UTC()
	return json.Marshal(msg)
}

// DecodeMessage decodes JSON bytes to a message
func DecodeMessage(data []byte) (*types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewCommand creates a command message with a fresh correlation ID.
func NewCommand(command string, payload interface{}) *types.Message {
	return &types.Message{
		Type:    types.TypeCommand,
		ID:      uuid.NewString(),
		Command: command,
		Payload: payload,
	}
}

// NewCommandResponse creates a response message for a command
func NewCommandResponse(commandID string, payload interface{}, err error) *types.Message {
	msg := &types.Message{
		Type:    types.TypeResponse,
		ID:      commandID,
		Payload: payload,
	}

	if err != nil {
		msg.Error = err.Error()
	}

	return msg
}

// NewEvent creates an event message
func NewEvent(eventType string, payload interface{}) *types.Message {
	return &types.Message{
		Type:    types.TypeEvent,
		Command: eventType,
		Payload: payload,
	}
}

// ParsePayload parses the payload of a message into the target type
func ParsePayload(msg *types.Message, target interface{}) error {
	// Re-marshal and unmarshal to convert map to struct
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, target)
}
