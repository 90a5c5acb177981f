package update

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// CreateBackup renames the container to a timestamped backup name, freeing
// the original name for the replacement. Rename works on running containers
// and keeps the container id unchanged.
func CreateBackup(
	ctx context.Context,
	cli *client.Client,
	log *logrus.Logger,
	containerID string,
	containerName string,
) (string, error) {
	backupName := fmt.Sprintf("%s-dockmon-backup-%d", containerName, time.Now().Unix())

	log.Debugf("Renaming container %s to backup: %s", shortID(containerID), backupName)
	if err := cli.ContainerRename(ctx, containerID, backupName); err != nil {
		return "", fmt.Errorf("failed to rename container to backup: %w", err)
	}

	log.Infof("Created backup: %s (original: %s)", backupName, containerName)
	return backupName, nil
}

// RestoreBackup restores the backup container to its original name and
// brings it back up. Best effort: every failure is logged, and the first
// unrecoverable one is also returned so the caller can report that the
// rollback itself failed.
func RestoreBackup(
	ctx context.Context,
	cli *client.Client,
	log *logrus.Logger,
	backupName string,
	originalName string,
	startAfter bool,
) error {
	log.Warnf("Restoring backup %s to %s", backupName, originalName)

	// Find backup container
	backupID, err := GetContainerByName(ctx, cli, backupName)
	if err != nil || backupID == "" {
		log.WithError(err).Errorf("CRITICAL: Failed to find backup container %s", backupName)
		return fmt.Errorf("backup container %s not found", backupName)
	}

	// Inspect backup to check its state
	backupInspect, err := cli.ContainerInspect(ctx, backupID)
	if err != nil {
		log.WithError(err).Errorf("Failed to inspect backup container %s", backupName)
		return fmt.Errorf("failed to inspect backup container: %w", err)
	}

	// Handle various backup states
	backupStatus := backupInspect.State.Status
	log.Infof("Backup container %s status: %s", backupName, backupStatus)

	switch backupStatus {
	case "running":
		log.Warn("Backup is running (unexpected), stopping first")
		stopTimeout := 10
		if err := cli.ContainerStop(ctx, backupID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
			cli.ContainerKill(ctx, backupID, "SIGKILL")
		}
	case "restarting", "dead":
		log.Warnf("Backup in %s state, killing", backupStatus)
		cli.ContainerKill(ctx, backupID, "SIGKILL")
	}

	// Remove any container squatting on the original name (failed new container)
	existingID, _ := GetContainerByName(ctx, cli, originalName)
	if existingID != "" {
		log.Debugf("Removing failed container %s to restore backup", shortID(existingID))
		cli.ContainerRemove(ctx, existingID, container.RemoveOptions{Force: true})
	}

	// Rename backup to original name
	if err := cli.ContainerRename(ctx, backupID, originalName); err != nil {
		log.WithError(err).Errorf("CRITICAL: Failed to rename backup to %s", originalName)
		return fmt.Errorf("failed to rename backup to %s: %w", originalName, err)
	}

	// Only start the restored container if it was running before the update
	if !startAfter {
		log.Warnf("Restored backup to %s (left stopped, as before the update)", originalName)
		return nil
	}

	if err := cli.ContainerStart(ctx, backupID, container.StartOptions{}); err != nil {
		log.WithError(err).Errorf("CRITICAL: Failed to start restored container %s", originalName)
		return fmt.Errorf("failed to start restored container %s: %w", originalName, err)
	}

	log.Warnf("Successfully restored backup to %s", originalName)
	return nil
}

// RemoveBackup removes the backup container after a successful update.
// Returns whether the backup is actually gone.
func RemoveBackup(
	ctx context.Context,
	cli *client.Client,
	log *logrus.Logger,
	backupName string,
) bool {
	backupID, err := GetContainerByName(ctx, cli, backupName)
	if err != nil || backupID == "" {
		log.WithError(err).Warnf("Backup container %s not found for cleanup", backupName)
		return false
	}

	if err := cli.ContainerRemove(ctx, backupID, container.RemoveOptions{Force: true}); err != nil {
		log.WithError(err).Warnf("Failed to remove backup container %s", backupName)
		return false
	}

	log.Infof("Removed backup container %s", backupName)
	return true
}

// GetContainerByName finds a container by exact name and returns its ID.
// Returns empty string if not found.
func GetContainerByName(ctx context.Context, cli *client.Client, name string) (string, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}

	if len(containers) == 0 {
		return "", nil
	}

	return containers[0].ID, nil
}
