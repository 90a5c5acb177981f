package update

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// DependentContainer is a container that shares the updated container's
// network namespace via network_mode: container:X. It must be recreated
// against the new parent id once the parent is replaced.
type DependentContainer struct {
	Container      types.ContainerJSON
	Name           string
	ID             string // Short form
	Image          string
	OldNetworkMode string
}

// FindDependentContainers finds all containers that depend on the given
// container via network_mode: container:X.
func FindDependentContainers(
	ctx context.Context,
	cli *client.Client,
	log *logrus.Logger,
	parentContainer *types.ContainerJSON,
	parentName string,
	parentID string,
) ([]DependentContainer, error) {
	var dependents []DependentContainer

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	for _, c := range containers {
		// Skip self
		if c.ID == parentContainer.ID {
			continue
		}

		// Inspect to get full config including NetworkMode
		inspect, err := cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			log.WithError(err).Warnf("Failed to inspect container %s", shortID(c.ID))
			continue
		}

		networkMode := string(inspect.HostConfig.NetworkMode)

		// The mode may reference the parent by name, short id, or full id
		isDependent := networkMode == fmt.Sprintf("container:%s", parentName) ||
			networkMode == fmt.Sprintf("container:%s", parentID) ||
			networkMode == fmt.Sprintf("container:%s", parentContainer.ID)

		if isDependent {
			imageName := inspect.Config.Image
			if imageName == "" && len(inspect.Image) > 0 {
				imageName = inspect.Image
			}

			depName := strings.TrimPrefix(inspect.Name, "/")
			log.Infof("Found dependent container: %s (network_mode: %s)", depName, networkMode)

			dependents = append(dependents, DependentContainer{
				Container:      inspect,
				Name:           depName,
				ID:             shortID(inspect.ID),
				Image:          imageName,
				OldNetworkMode: networkMode,
			})
		}
	}

	return dependents, nil
}

// RecreateDependentContainers recreates all dependent containers against the
// new parent id. Returns the names of containers that failed to recreate.
func RecreateDependentContainers(
	ctx context.Context,
	cli *client.Client,
	log *logrus.Logger,
	dependents []DependentContainer,
	oldParentID string,
	newParentID string,
	stopTimeout int,
	caps *EngineCaps,
) []string {
	// Config extraction re-points container:<old id> modes through this map;
	// name references resolve naturally since the new parent holds the name.
	recreated := map[string]string{
		oldParentID:          newParentID,
		shortID(oldParentID): newParentID,
	}

	var failed []string
	for _, dep := range dependents {
		if err := recreateDependentContainer(ctx, cli, log, dep, recreated, stopTimeout, caps); err != nil {
			log.WithError(err).Errorf("Failed to recreate dependent container %s", dep.Name)
			failed = append(failed, dep.Name)
		}
	}

	return failed
}

// recreateDependentContainer recreates a single dependent container with its
// network mode re-pointed at the recreated parent.
func recreateDependentContainer(
	ctx context.Context,
	cli *client.Client,
	log *logrus.Logger,
	dep DependentContainer,
	recreated map[string]string,
	stopTimeout int,
	caps *EngineCaps,
) error {
	log.Infof("Recreating dependent container: %s", dep.Name)

	// No old/new image pair here: the dependent keeps its image, so label
	// filtering has nothing to refresh
	emptyLabels := make(map[string]string)

	extractedConfig, err := ExtractConfig(ctx, cli, log, &dep.Container, dep.Image, emptyLabels, emptyLabels, caps, recreated)
	if err != nil {
		return fmt.Errorf("failed to extract config: %w", err)
	}

	// Stop dependent container
	log.Debugf("Stopping dependent container: %s", dep.Name)
	stopTimeoutInt := stopTimeout
	if err := cli.ContainerStop(ctx, dep.Container.ID, container.StopOptions{Timeout: &stopTimeoutInt}); err != nil {
		// Try kill if stop fails
		cli.ContainerKill(ctx, dep.Container.ID, "SIGKILL")
	}

	// Rename to temp name to free the original
	tempName := fmt.Sprintf("%s-dockmon-temp-%d", dep.Name, time.Now().Unix())
	if err := cli.ContainerRename(ctx, dep.Container.ID, tempName); err != nil {
		return fmt.Errorf("failed to rename to temp: %w", err)
	}

	// Create new dependent container
	newDepResp, err := cli.ContainerCreate(
		ctx,
		extractedConfig.Config,
		extractedConfig.HostConfig,
		nil, // network_mode: container:X containers have no own endpoints
		nil,
		dep.Name,
	)
	if err != nil {
		// Rollback: restore temp container
		cli.ContainerRename(ctx, dep.Container.ID, dep.Name)
		cli.ContainerStart(ctx, dep.Container.ID, container.StartOptions{})
		return fmt.Errorf("failed to create new container: %w", err)
	}
	newDepID := newDepResp.ID

	// Start new dependent container
	if err := cli.ContainerStart(ctx, newDepID, container.StartOptions{}); err != nil {
		// Rollback
		cli.ContainerRemove(ctx, newDepID, container.RemoveOptions{Force: true})
		cli.ContainerRename(ctx, dep.Container.ID, dep.Name)
		cli.ContainerStart(ctx, dep.Container.ID, container.StartOptions{})
		return fmt.Errorf("failed to start new container: %w", err)
	}

	// Wait a bit and verify it's running
	time.Sleep(3 * time.Second)
	newInspect, err := cli.ContainerInspect(ctx, newDepID)
	if err != nil || !newInspect.State.Running {
		// Rollback
		stopT := 10
		cli.ContainerStop(ctx, newDepID, container.StopOptions{Timeout: &stopT})
		cli.ContainerRemove(ctx, newDepID, container.RemoveOptions{Force: true})
		cli.ContainerRename(ctx, dep.Container.ID, dep.Name)
		cli.ContainerStart(ctx, dep.Container.ID, container.StartOptions{})
		return fmt.Errorf("new container failed to start properly")
	}

	// Success: remove old temp container
	tempContainer, _ := GetContainerByName(ctx, cli, tempName)
	if tempContainer != "" {
		cli.ContainerRemove(ctx, tempContainer, container.RemoveOptions{Force: true})
	}

	log.Infof("Successfully recreated dependent container: %s (new ID: %s)", dep.Name, shortID(newDepID))
	return nil
}
