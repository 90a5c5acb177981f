package update

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// EngineCaps describes what the target engine flavor supports. The config
// extractor drops fields a flavor cannot accept instead of failing the
// update.
type EngineCaps struct {
	// IsPodman indicates the daemon is Podman behind a Docker-compatible API
	IsPodman bool
	// APIVersion is the negotiated engine API version string
	APIVersion string
	// NetworkingConfigAtCreate indicates API >= 1.44 (networks can be set at creation)
	NetworkingConfigAtCreate bool
	// MemorySwappiness indicates the engine accepts HostConfig.MemorySwappiness
	MemorySwappiness bool
	// NanoCPUs indicates the engine accepts HostConfig.NanoCPUs directly
	NanoCPUs bool
	// DeviceRequests indicates the engine accepts GPU/device request entries
	DeviceRequests bool
}

// DockerCaps returns the capability set of a current Docker daemon.
// Used when detection is skipped (tests, agents reporting their own caps).
func DockerCaps() *EngineCaps {
	return &EngineCaps{
		APIVersion:               "1.44",
		NetworkingConfigAtCreate: true,
		MemorySwappiness:         true,
		NanoCPUs:                 true,
		DeviceRequests:           true,
	}
}

// DetectCaps probes the engine behind cli and reports its capabilities.
// Detection failures degrade to conservative defaults rather than erroring;
// an unreachable engine will fail loudly soon enough on real calls.
func DetectCaps(ctx context.Context, cli *client.Client, log *logrus.Logger) *EngineCaps {
	caps := &EngineCaps{
		MemorySwappiness: true,
		NanoCPUs:         true,
		DeviceRequests:   true,
	}

	isPodman, err := detectPodman(ctx, cli)
	if err != nil {
		log.WithError(err).Warn("Failed to detect Podman, assuming Docker")
	}
	caps.IsPodman = isPodman

	if isPodman {
		// Podman rejects MemorySwappiness outright and mishandles NanoCPUs
		caps.MemorySwappiness = false
		caps.NanoCPUs = false
		log.Info("Detected Podman runtime - will apply compatibility fixes")
	}

	supportsNetworkingConfig, err := detectNetworkingConfigSupport(ctx, cli)
	if err != nil {
		log.WithError(err).Warn("Failed to detect API version, assuming legacy mode")
	}
	caps.NetworkingConfigAtCreate = supportsNetworkingConfig

	apiVersion, _ := getAPIVersion(ctx, cli)
	caps.APIVersion = apiVersion
	if supportsNetworkingConfig {
		log.Infof("Engine API %s supports networking_config at creation", apiVersion)
	} else {
		log.Infof("Engine API %s requires manual network connection (legacy mode)", apiVersion)
	}

	return caps
}

// detectPodman returns true if connected to Podman instead of Docker.
func detectPodman(ctx context.Context, cli *client.Client) (bool, error) {
	info, err := cli.Info(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get engine info: %w", err)
	}

	// Check multiple indicators for reliability:
	// 1. Operating system contains "podman"
	osLower := strings.ToLower(info.OperatingSystem)
	if strings.Contains(osLower, "podman") {
		return true, nil
	}

	// 2. Server version components contain "podman"
	version, err := cli.ServerVersion(ctx)
	if err == nil {
		for _, comp := range version.Components {
			if strings.ToLower(comp.Name) == "podman" {
				return true, nil
			}
		}
	}

	return false, nil
}

// detectNetworkingConfigSupport returns true if API >= 1.44 (can set network at creation).
func detectNetworkingConfigSupport(ctx context.Context, cli *client.Client) (bool, error) {
	apiVersion, err := getAPIVersion(ctx, cli)
	if err != nil {
		return false, err
	}

	major, minor, err := parseAPIVersion(apiVersion)
	if err != nil {
		return false, err
	}

	return major > 1 || (major == 1 && minor >= 44), nil
}

// parseAPIVersion splits an engine API version like "1.44" into components.
func parseAPIVersion(apiVersion string) (major, minor int, err error) {
	parts := strings.Split(apiVersion, ".")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("invalid API version format: %s", apiVersion)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid major version: %s", parts[0])
	}

	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minor version: %s", parts[1])
	}

	return major, minor, nil
}

// getAPIVersion returns the engine API version string.
func getAPIVersion(ctx context.Context, cli *client.Client) (string, error) {
	version, err := cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get server version: %w", err)
	}
	return version.APIVersion, nil
}

// caps returns the configured capability set, defaulting to full Docker.
func (o *UpdaterOptions) caps() *EngineCaps {
	if o != nil && o.Caps != nil {
		return o.Caps
	}
	return DockerCaps()
}
