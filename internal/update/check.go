package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

// CheckForUpdate pulls the container's image reference and reports whether
// the registry now holds a newer image than the one the container runs.
// Digest comparison survives retags; image ids are the fallback when the
// registry reports no digest.
func CheckForUpdate(ctx context.Context, cli *client.Client, log *logrus.Logger, hostID, containerID string) (*types.CheckUpdateResult, error) {
	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	imageRef := inspect.Config.Image
	result := &types.CheckUpdateResult{
		HostID:        hostID,
		ContainerID:   shortID(inspect.ID),
		ContainerName: strings.TrimPrefix(inspect.Name, "/"),
		Image:         imageRef,
	}

	current, _, err := cli.ImageInspectWithRaw(ctx, inspect.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect current image: %w", err)
	}
	result.CurrentDigest = firstRepoDigest(current.RepoDigests)

	// A digest-pinned reference is immutable; nothing newer can ever sit
	// behind it
	if strings.Contains(imageRef, "@") {
		log.Debugf("Image %s is digest-pinned, skipping pull", imageRef)
		result.LatestDigest = result.CurrentDigest
		return result, nil
	}

	reader, err := cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}
	_, copyErr := io.Copy(io.Discard, reader)
	reader.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("failed to read pull stream: %w", copyErr)
	}

	latest, _, err := cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect pulled image: %w", err)
	}
	result.LatestDigest = firstRepoDigest(latest.RepoDigests)

	if result.CurrentDigest != "" && result.LatestDigest != "" {
		result.UpdateAvailable = result.CurrentDigest != result.LatestDigest
	} else {
		result.UpdateAvailable = current.ID != latest.ID
	}

	if result.UpdateAvailable {
		log.Infof("Update available for %s: %s", result.ContainerName, imageRef)
	} else {
		log.Debugf("No update available for %s", result.ContainerName)
	}

	return result, nil
}

// CheckForUpdateViaAgent asks a host's agent to run the digest check and
// returns its report.
func CheckForUpdateViaAgent(ctx context.Context, sender CommandSender, hostID, containerID string) (*types.CheckUpdateResult, error) {
	payload, err := sender.SendCommand(ctx, hostID, types.CommandCheckUpdate, types.CheckUpdateCommand{
		HostID:      hostID,
		ContainerID: containerID,
	})
	if err != nil {
		return nil, err
	}

	var result types.CheckUpdateResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("malformed check_update response: %w", err)
	}
	return &result, nil
}

func firstRepoDigest(digests []string) string {
	if len(digests) == 0 {
		return ""
	}
	return digests[0]
}
