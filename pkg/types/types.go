// Package types defines the wire types shared between the update service
// and the agents that connect to it. Agents in other repositories vendor
// this package to stay protocol-compatible.
package types

import "time"

// Message represents the WebSocket message envelope
type Message struct {
	Type      string      `json:"type"`              // "command", "response", "event"
	ID        string      `json:"id,omitempty"`      // Correlation ID
	Command   string      `json:"command,omitempty"` // Command or event name
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"` // Machine-readable error code (v2.3.0+)
	Timestamp time.Time   `json:"timestamp"`
}

// Message envelope types.
const (
	TypeCommand  = "command"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Commands sent to agents.
const (
	CommandUpdateContainer = "update_container"
	CommandCheckUpdate     = "check_update"
)

// Events received from agents.
const (
	EventUpdateProgress = "update_progress"
	EventUpdateComplete = "update_complete"
	EventContainerState = "container_event"
)

// Error codes carried on response envelopes. Codes outside this set are
// treated as command failures that retrying cannot fix.
const (
	CodeBadRequest      = "bad_request"      // Malformed or incomplete payload
	CodeUnsupported     = "unsupported"      // Agent does not implement the command
	CodeUnauthenticated = "unauthenticated"  // Registration token rejected
	CodeBusy            = "busy"             // Agent is mid-operation; safe to retry
	CodeInternal        = "internal"         // Agent-side failure
)

// RegistrationRequest is sent by an agent during initial connection
type RegistrationRequest struct {
	Token        string          `json:"token"`
	EngineID     string          `json:"engine_id"`
	Hostname     string          `json:"hostname,omitempty"`
	Version      string          `json:"version"`
	ProtoVersion string          `json:"proto_version"`
	Capabilities map[string]bool `json:"capabilities"`
	// System information (v2.2.0+)
	OSType        string `json:"os_type,omitempty"`        // "linux", "windows", etc.
	OSVersion     string `json:"os_version,omitempty"`     // e.g., "Ubuntu 22.04.3 LTS"
	KernelVersion string `json:"kernel_version,omitempty"` // e.g., "5.15.0-88-generic"
	DockerVersion string `json:"docker_version,omitempty"` // e.g., "24.0.6"
	TotalMemory   int64  `json:"total_memory,omitempty"`   // Total memory in bytes
	NumCPUs       int    `json:"num_cpus,omitempty"`       // Number of CPUs
}

// RegistrationResponse is returned by the update service after successful registration
type RegistrationResponse struct {
	AgentID string `json:"agent_id"`
	HostID  string `json:"host_id"`
}

// UpdateCommand is the payload of an "update_container" command.
type UpdateCommand struct {
	HostID           string `json:"host_id"`
	ContainerID      string `json:"container_id"`
	ContainerName    string `json:"container_name,omitempty"`
	CurrentImage     string `json:"current_image,omitempty"`
	TargetImage      string `json:"target_image"`
	HealthTimeout    int    `json:"health_timeout,omitempty"` // Seconds, default 120
	Force            bool   `json:"force,omitempty"`
	RegistryAuth     string `json:"registry_auth,omitempty"` // Base64 auth config, never logged
	TrackingRecordID int64  `json:"tracking_record_id,omitempty"`
}

// CommandAck is the payload an agent returns when it accepts a command.
type CommandAck struct {
	Status string `json:"status"` // e.g., "update_started"
}

// CheckUpdateCommand is the payload of a "check_update" command.
type CheckUpdateCommand struct {
	HostID      string `json:"host_id"`
	ContainerID string `json:"container_id"`
}

// CheckUpdateResult is the response payload of a "check_update" command,
// and the shape of a local check.
type CheckUpdateResult struct {
	HostID          string `json:"host_id,omitempty"`
	ContainerID     string `json:"container_id"`
	ContainerName   string `json:"container_name,omitempty"`
	Image           string `json:"image"`
	CurrentDigest   string `json:"current_digest,omitempty"`
	LatestDigest    string `json:"latest_digest,omitempty"`
	UpdateAvailable bool   `json:"update_available"`
}

// UpdateCompleteEvent is the payload of an "update_complete" event.
type UpdateCompleteEvent struct {
	HostID         string `json:"host_id"`
	OldContainerID string `json:"old_container_id"`
	NewContainerID string `json:"new_container_id,omitempty"`
	ContainerName  string `json:"container_name,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	RolledBack     bool   `json:"rolled_back,omitempty"`
}

// UpdateProgressEvent is the payload of an "update_progress" event.
type UpdateProgressEvent struct {
	HostID        string `json:"host_id"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name,omitempty"`
	Stage         string `json:"stage"`
	Percent       int    `json:"percent"`
	Message       string `json:"message,omitempty"`
}

// ContainerEvent represents a Docker container event relayed by an agent
type ContainerEvent struct {
	HostID        string            `json:"host_id,omitempty"`
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	Image         string            `json:"image"`
	Action        string            `json:"action"` // start, stop, die, health_status
	Status        string            `json:"status,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}
