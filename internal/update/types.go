// Package update implements the update orchestration engine: it replaces a
// running container with a new image while carrying the container's full
// runtime configuration forward, across local engines, remote mTLS engines,
// and agent-managed hosts.
//
// This consolidates the update logic that was previously split between the
// backend's local executor and the agent's update handler.
package update

import (
	"fmt"
	"strings"
	"time"

	"github.com/distribution/reference"
)

// ShortIDLength is the canonical container short-id length. Composite keys
// and pending-operation lookups rely on it being fixed.
const ShortIDLength = 12

// Default operation parameters, in seconds.
const (
	DefaultStopTimeout   = 30
	DefaultHealthTimeout = 120
)

// UpdateStage is a lifecycle checkpoint reported to progress observers.
// Stages are advisory progress markers in a fixed order, not a guarded
// state machine.
type UpdateStage int

const (
	StageInitiating UpdateStage = iota
	StagePulling
	StagePullComplete
	StageConfiguring
	StageCreatingBackup
	StageBackupCreated
	StageStoppingOld
	StageCreatingNew
	StageStartingNew
	StageHealthCheck
	StageDependents
	StageCleanup
	StageCompleted
	StageFailed
	StageRollingBack
	StageRollbackComplete
	StageAgentUpdating
	StageAgentReconnecting
)

var stageNames = map[UpdateStage]string{
	StageInitiating:        "initiating",
	StagePulling:           "pulling",
	StagePullComplete:      "pull_complete",
	StageConfiguring:       "configuring",
	StageCreatingBackup:    "creating_backup",
	StageBackupCreated:     "backup_created",
	StageStoppingOld:       "stopping_old",
	StageCreatingNew:       "creating",
	StageStartingNew:       "starting",
	StageHealthCheck:       "health_check",
	StageDependents:        "dependents",
	StageCleanup:           "cleanup",
	StageCompleted:         "completed",
	StageFailed:            "failed",
	StageRollingBack:       "rollback",
	StageRollbackComplete:  "rollback_complete",
	StageAgentUpdating:     "agent_updating",
	StageAgentReconnecting: "agent_reconnecting",
}

// stagePercents are the default checkpoint percentages reported when a call
// site does not interpolate its own (image pull reports 10..25 as layers
// arrive).
var stagePercents = map[UpdateStage]int{
	StageInitiating:        0,
	StagePulling:           10,
	StagePullComplete:      25,
	StageConfiguring:       30,
	StageCreatingBackup:    35,
	StageBackupCreated:     40,
	StageStoppingOld:       45,
	StageCreatingNew:       55,
	StageStartingNew:       65,
	StageHealthCheck:       75,
	StageDependents:        85,
	StageCleanup:           92,
	StageCompleted:         100,
	StageFailed:            100,
	StageRollingBack:       100,
	StageRollbackComplete:  100,
	StageAgentUpdating:     50,
	StageAgentReconnecting: 90,
}

// String returns the wire name of the stage.
func (s UpdateStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Percent returns the default progress percentage for the stage.
func (s UpdateStage) Percent() int {
	return stagePercents[s]
}

// MarshalText renders the stage as its wire name.
func (s UpdateStage) MarshalText() ([]byte, error) {
	name, ok := stageNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown update stage %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText parses a wire name into a stage.
func (s *UpdateStage) UnmarshalText(text []byte) error {
	stage, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// ParseStage maps a wire name to its stage.
func ParseStage(name string) (UpdateStage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return StageInitiating, fmt.Errorf("unknown update stage %q", name)
}

// ProgressFunc receives stage transitions during an update. Implementations
// must not block; they are called inline from the executor.
type ProgressFunc func(stage UpdateStage, percent int, message string)

// RegistryAuth contains credentials for authenticating with a Docker registry.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UpdateContext carries the immutable inputs of one update operation.
type UpdateContext struct {
	HostID        string        `json:"host_id"`
	ContainerID   string        `json:"container_id"` // Short form, exactly ShortIDLength chars
	ContainerName string        `json:"container_name"`
	CurrentImage  string        `json:"current_image,omitempty"`
	TargetImage   string        `json:"target_image"`
	RecordID      int64         `json:"record_id,omitempty"` // Persisted tracking-record id
	Force         bool          `json:"force,omitempty"`
	StopTimeout   int           `json:"stop_timeout,omitempty"`   // Seconds, default 30
	HealthTimeout int           `json:"health_timeout,omitempty"` // Seconds, default 120
	RegistryAuth  *RegistryAuth `json:"registry_auth,omitempty"`
}

// Key derives the composite key identifying this operation's container
// across hosts. Panics if the container id is not in short form; contexts
// must be validated before they reach key construction.
func (c *UpdateContext) Key() string {
	return CompositeKey(c.HostID, c.ContainerID)
}

// Validate checks wire-supplied fields. It returns an error rather than
// panicking because contexts arrive from API callers.
func (c *UpdateContext) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	if len(c.ContainerID) != ShortIDLength {
		return fmt.Errorf("container_id must be the %d-character short id, got %q", ShortIDLength, c.ContainerID)
	}
	if c.TargetImage == "" {
		return fmt.Errorf("target_image is required")
	}
	if _, err := reference.ParseNormalizedNamed(c.TargetImage); err != nil {
		return fmt.Errorf("invalid target_image %q: %w", c.TargetImage, err)
	}
	return nil
}

// stopTimeout returns the stop timeout in seconds, defaulted.
func (c *UpdateContext) stopTimeout() int {
	if c.StopTimeout > 0 {
		return c.StopTimeout
	}
	return DefaultStopTimeout
}

// healthTimeout returns the health-gate timeout, defaulted.
func (c *UpdateContext) healthTimeout() time.Duration {
	secs := c.HealthTimeout
	if secs <= 0 {
		secs = DefaultHealthTimeout
	}
	return time.Duration(secs) * time.Second
}

// CompositeKey builds the system-wide container identifier
// "host_id:short_container_id". The container id component must be exactly
// ShortIDLength characters; anything else is a caller bug and panics.
func CompositeKey(hostID, containerID string) string {
	if len(containerID) != ShortIDLength {
		panic(fmt.Sprintf("composite key requires a %d-char short container id, got %q", ShortIDLength, containerID))
	}
	return hostID + ":" + containerID
}

// ParseCompositeKey splits a composite key back into host and container ids.
// The container id is the fixed-length suffix, so host ids may themselves
// contain ":" (e.g. tcp addresses).
func ParseCompositeKey(key string) (hostID, containerID string, err error) {
	if len(key) < ShortIDLength+2 {
		return "", "", fmt.Errorf("malformed composite key %q", key)
	}
	sep := len(key) - ShortIDLength - 1
	if key[sep] != ':' {
		return "", "", fmt.Errorf("malformed composite key %q", key)
	}
	hostID = key[:sep]
	containerID = key[sep+1:]
	if hostID == "" || strings.Contains(containerID, ":") {
		return "", "", fmt.Errorf("malformed composite key %q", key)
	}
	return hostID, containerID, nil
}

// UpdateResult contains the outcome of an update operation.
type UpdateResult struct {
	Success          bool     `json:"success"`
	HostID           string   `json:"host_id"`
	OldContainerID   string   `json:"old_container_id"`
	NewContainerID   string   `json:"new_container_id,omitempty"`
	ContainerName    string   `json:"container_name"`
	RolledBack       bool     `json:"rolled_back,omitempty"`
	BackupID         string   `json:"backup_id,omitempty"`
	BackupRemoved    bool     `json:"backup_removed,omitempty"`
	FailedDependents []string `json:"failed_dependents,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// SuccessResult builds the result for a completed update.
func SuccessResult(ctx *UpdateContext, newContainerID string) *UpdateResult {
	return &UpdateResult{
		Success:        true,
		HostID:         ctx.HostID,
		OldContainerID: ctx.ContainerID,
		NewContainerID: shortID(newContainerID),
		ContainerName:  ctx.ContainerName,
	}
}

// FailureResult builds the result for a failed update. rolledBack records
// whether the original container was restored.
func FailureResult(ctx *UpdateContext, message string, rolledBack bool) *UpdateResult {
	return &UpdateResult{
		Success:        false,
		HostID:         ctx.HostID,
		OldContainerID: ctx.ContainerID,
		ContainerName:  ctx.ContainerName,
		RolledBack:     rolledBack,
		Error:          message,
	}
}

// shortID truncates a full container id to the canonical short form.
func shortID(id string) string {
	if len(id) > ShortIDLength {
		return id[:ShortIDLength]
	}
	return id
}

// LayerProgress represents progress for a single image layer during pull.
type LayerProgress struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Percent int    `json:"percent"`
}

// PullProgressEvent contains detailed layer progress during image pull.
type PullProgressEvent struct {
	ContainerID     string           `json:"container_id"`
	OverallProgress int              `json:"overall_progress"` // 0-100
	Layers          []*LayerProgress `json:"layers"`
	TotalLayers     int              `json:"total_layers"`
	Summary         string           `json:"summary"`
	SpeedMbps       float64          `json:"speed_mbps,omitempty"`
}

// PullProgressCallback is called during image pull to report layer progress.
type PullProgressCallback func(event PullProgressEvent)

// UpdaterOptions configures executor behavior.
type UpdaterOptions struct {
	// OnProgress is called for stage progress updates
	OnProgress ProgressFunc
	// OnPullProgress is called for detailed pull layer progress
	OnPullProgress PullProgressCallback
	// Caps describes the target engine; nil means full Docker capabilities
	Caps *EngineCaps
}

// progress reports a stage at its default percent through opts, tolerating a
// nil callback.
func (o *UpdaterOptions) progress(stage UpdateStage, message string) {
	o.progressAt(stage, stage.Percent(), message)
}

func (o *UpdaterOptions) progressAt(stage UpdateStage, percent int, message string) {
	if o != nil && o.OnProgress != nil {
		o.OnProgress(stage, percent, message)
	}
}
