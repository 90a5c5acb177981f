package update

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// LocalUpdateExecutor replaces a container on a directly reachable engine,
// either a local socket or a remote TCP endpoint with mTLS. The engine
// client is already bound to the host; the executor only needs the context
// of the one update.
type LocalUpdateExecutor struct {
	cli  *client.Client
	log  *logrus.Logger
	opts UpdaterOptions
	gate *HealthGate
}

// NewLocalUpdateExecutor creates an executor bound to one engine client.
func NewLocalUpdateExecutor(cli *client.Client, log *logrus.Logger, opts UpdaterOptions) *LocalUpdateExecutor {
	return &LocalUpdateExecutor{
		cli:  cli,
		log:  log,
		opts: opts,
		gate: NewHealthGate(cli, log),
	}
}

// Execute performs the full replace cycle: pull, extract config, backup,
// recreate, rewire networks, health-gate, and commit or roll back.
func (e *LocalUpdateExecutor) Execute(ctx context.Context, uctx *UpdateContext) *UpdateResult {
	containerID := uctx.ContainerID

	e.log.WithFields(logrus.Fields{
		"host_id":      uctx.HostID,
		"container_id": containerID,
		"target_image": uctx.TargetImage,
	}).Info("Starting container update")

	e.opts.progress(StageInitiating, fmt.Sprintf("Updating %s", uctx.ContainerName))

	// Inspect first: digest-only targets need the recorded repository name,
	// and the pre-update running state decides whether the replacement is
	// left running afterwards
	oldContainer, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return e.fail(uctx, fmt.Errorf("failed to inspect container: %w", err))
	}

	containerName := strings.TrimPrefix(oldContainer.Name, "/")
	if uctx.ContainerName == "" {
		// Caller only had the id; fill in the name for results and events
		uctx.ContainerName = containerName
	}

	wasRunning := oldContainer.State != nil && oldContainer.State.Running

	targetImage, err := ResolveTargetImage(oldContainer.Config.Image, uctx.TargetImage)
	if err != nil {
		return e.fail(uctx, err)
	}

	// Step 1: Pull new image with layer progress
	e.opts.progress(StagePulling, fmt.Sprintf("Pulling image %s", targetImage))
	if err := e.pullImage(ctx, uctx, targetImage); err != nil {
		return e.fail(uctx, err)
	}
	e.opts.progress(StagePullComplete, "Image pull complete")

	// Step 2: Image labels for label filtering
	e.opts.progress(StageConfiguring, "Reading container configuration")
	oldImageLabels, err := GetImageLabels(ctx, e.cli, oldContainer.Image)
	if err != nil {
		e.log.WithError(err).Warn("Failed to get old image labels, continuing without label filtering")
		oldImageLabels = make(map[string]string)
	}
	newImageLabels, err := GetImageLabels(ctx, e.cli, targetImage)
	if err != nil {
		e.log.WithError(err).Warn("Failed to get new image labels, continuing without label filtering")
		newImageLabels = make(map[string]string)
	}

	// Step 3: Find dependent containers BEFORE we touch the parent
	dependents, err := FindDependentContainers(ctx, e.cli, e.log, &oldContainer, containerName, containerID)
	if err != nil {
		e.log.WithError(err).Warn("Failed to find dependent containers, continuing")
	}
	if len(dependents) > 0 {
		e.log.Infof("Found %d dependent container(s) using network_mode: container:%s",
			len(dependents), containerName)
	}

	// Step 4: Extract and transform config
	caps := e.opts.caps()
	extracted, err := ExtractConfig(ctx, e.cli, e.log, &oldContainer, targetImage, oldImageLabels, newImageLabels, caps, nil)
	if err != nil {
		return e.fail(uctx, err)
	}

	// Step 5: Backup (rename) then stop the old container
	e.opts.progress(StageCreatingBackup, fmt.Sprintf("Creating backup of %s", containerName))
	backupName, err := CreateBackup(ctx, e.cli, e.log, containerID, containerName)
	if err != nil {
		return e.fail(uctx, err)
	}
	e.opts.progress(StageBackupCreated, fmt.Sprintf("Backup created: %s", backupName))

	e.opts.progress(StageStoppingOld, "Stopping old container")
	stopTimeout := uctx.stopTimeout()
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		e.log.WithError(err).Warn("Failed to stop container gracefully, continuing")
	}

	// Step 6: Create new container under the original name. Networks are
	// attached manually afterwards, so creation passes no networking config.
	e.opts.progress(StageCreatingNew, "Creating new container")
	newResp, err := e.cli.ContainerCreate(ctx, extracted.Config, extracted.HostConfig, nil, nil, containerName)
	if err != nil {
		return e.rollback(ctx, uctx, "", backupName, containerName, wasRunning,
			fmt.Errorf("failed to create container: %w", err))
	}
	newContainerID := newResp.ID
	e.log.Infof("Created new container %s", shortID(newContainerID))

	// Step 7: Rewire networks with their static addressing and aliases
	if err := e.connectNetworks(ctx, newContainerID, extracted); err != nil {
		return e.rollback(ctx, uctx, newContainerID, backupName, containerName, wasRunning, err)
	}

	// Step 8: Start and health-gate the replacement
	e.opts.progress(StageStartingNew, "Starting new container")
	if err := e.cli.ContainerStart(ctx, newContainerID, container.StartOptions{}); err != nil {
		return e.rollback(ctx, uctx, newContainerID, backupName, containerName, wasRunning,
			fmt.Errorf("failed to start container: %w", err))
	}

	e.opts.progress(StageHealthCheck, "Waiting for container to become healthy")
	if err := e.gate.Wait(ctx, newContainerID, uctx.healthTimeout()); err != nil {
		return e.rollback(ctx, uctx, newContainerID, backupName, containerName, wasRunning,
			fmt.Errorf("health check failed: %w", err))
	}

	// Step 9: Containers stopped before the update stay stopped after it
	if !wasRunning {
		e.log.Info("Container was stopped before update, restoring stopped state")
		if err := e.cli.ContainerStop(ctx, newContainerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
			e.log.WithError(err).Warn("Failed to stop container after update (was originally stopped)")
		}
	}

	// Step 10: Recreate dependent containers against the new parent id
	var failedDeps []string
	if len(dependents) > 0 {
		e.opts.progress(StageDependents,
			fmt.Sprintf("Recreating %d dependent container(s)", len(dependents)))
		failedDeps = RecreateDependentContainers(ctx, e.cli, e.log, dependents, oldContainer.ID, newContainerID, stopTimeout, caps)
		if len(failedDeps) > 0 {
			e.log.Warnf("Failed to recreate dependent containers: %v", failedDeps)
		}
	}

	// Step 11: Cleanup backup (success path)
	e.opts.progress(StageCleanup, "Removing backup container")
	backupRemoved := RemoveBackup(ctx, e.cli, e.log, backupName)

	result := SuccessResult(uctx, newContainerID)
	result.BackupID = uctx.ContainerID
	result.BackupRemoved = backupRemoved
	result.FailedDependents = failedDeps

	e.opts.progress(StageCompleted, fmt.Sprintf("Update complete, new container: %s", shortID(newContainerID)))

	e.log.WithFields(logrus.Fields{
		"old_container": uctx.ContainerID,
		"new_container": shortID(newContainerID),
		"name":          containerName,
	}).Info("Container update completed successfully")

	return result
}

// connectNetworks detaches whatever the engine auto-attached at creation and
// reattaches every extracted endpoint with its static addressing and
// aliases. The primary network is load-bearing and fails the update;
// additional networks are best effort.
func (e *LocalUpdateExecutor) connectNetworks(ctx context.Context, newContainerID string, extracted *ExtractedConfig) error {
	if len(extracted.Networks) == 0 {
		return nil
	}

	created, err := e.cli.ContainerInspect(ctx, newContainerID)
	if err == nil && created.NetworkSettings != nil {
		for name := range created.NetworkSettings.Networks {
			e.log.Debugf("Detaching auto-connected network %s", name)
			if err := e.cli.NetworkDisconnect(ctx, name, newContainerID, true); err != nil {
				e.log.WithError(err).Debugf("Failed to detach network %s", name)
			}
		}
	}

	if endpoint, ok := extracted.Networks[extracted.PrimaryNetwork]; ok {
		e.log.Debugf("Connecting primary network: %s", extracted.PrimaryNetwork)
		if err := e.cli.NetworkConnect(ctx, extracted.PrimaryNetwork, newContainerID, endpoint); err != nil {
			return fmt.Errorf("failed to connect primary network %s: %w", extracted.PrimaryNetwork, err)
		}
	}

	for name, endpoint := range extracted.Networks {
		if name == extracted.PrimaryNetwork {
			continue
		}
		e.log.Debugf("Connecting to additional network: %s", name)
		if err := e.cli.NetworkConnect(ctx, name, newContainerID, endpoint); err != nil {
			e.log.WithError(err).Warnf("Failed to connect to network %s (continuing)", name)
		}
	}

	return nil
}

// fail reports a terminal failure from before any backup existed.
func (e *LocalUpdateExecutor) fail(uctx *UpdateContext, err error) *UpdateResult {
	e.log.WithError(err).Error("Container update failed")
	e.opts.progress(StageFailed, err.Error())
	return FailureResult(uctx, err.Error(), false)
}

// rollback removes the failed replacement (when one was created), restores
// the backup to the original name and run state, and reports the failure.
// A rollback that itself fails is named in the result rather than hidden
// behind the original error.
func (e *LocalUpdateExecutor) rollback(
	ctx context.Context,
	uctx *UpdateContext,
	newContainerID string,
	backupName string,
	containerName string,
	startAfter bool,
	cause error,
) *UpdateResult {
	e.log.WithError(cause).Warn("Update failed, rolling back")
	e.opts.progress(StageRollingBack, cause.Error())

	if newContainerID != "" {
		stopTimeout := 10
		e.cli.ContainerStop(ctx, newContainerID, container.StopOptions{Timeout: &stopTimeout})
		if err := e.cli.ContainerRemove(ctx, newContainerID, container.RemoveOptions{Force: true}); err != nil {
			e.log.WithError(err).Warnf("Failed to remove new container %s", shortID(newContainerID))
		}
	}

	if restoreErr := RestoreBackup(ctx, e.cli, e.log, backupName, containerName, startAfter); restoreErr != nil {
		msg := fmt.Sprintf("%s (rollback also failed: %v)", cause, restoreErr)
		e.opts.progress(StageFailed, msg)
		result := FailureResult(uctx, msg, false)
		result.BackupID = uctx.ContainerID
		return result
	}

	e.opts.progress(StageRollbackComplete, fmt.Sprintf("Restored %s from backup", containerName))
	return FailureResult(uctx, cause.Error(), true)
}
