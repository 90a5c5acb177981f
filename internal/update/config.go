package update

import (
	"context"
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Label namespaces preserved verbatim across recreation. Compose labels keep
// `docker compose` ownership intact; tracking labels carry orchestrator
// state (deployment ids, auto-update policy) between container generations.
const (
	composeLabelPrefix  = "com.docker.compose."
	trackingLabelPrefix = "dockmon."
)

// ExtractedConfig holds the extracted container configuration for recreation.
type ExtractedConfig struct {
	Config         *container.Config
	HostConfig     *container.HostConfig
	Networks       map[string]*network.EndpointSettings
	PrimaryNetwork string
	ContainerName  string
}

// ExtractConfig extracts container configuration for recreation with a new image.
//
// SHALLOW COPY SAFETY NOTE:
// Go struct copy creates a shallow copy where pointer fields point to the same
// underlying data. This is SAFE because:
// 1. We do NOT modify the original config after copying
// 2. The original container is being destroyed anyway
// 3. We only REPLACE pointer fields, never mutate their contents
//
// recreated maps old container ids (full and short) to new ids for
// containers already recreated in this session, so container:<id> network
// modes can be re-pointed at the replacement.
func ExtractConfig(
	ctx context.Context,
	cli *client.Client,
	log *logrus.Logger,
	inspect *types.ContainerJSON,
	newImage string,
	oldImageLabels map[string]string,
	newImageLabels map[string]string,
	caps *EngineCaps,
	recreated map[string]string,
) (*ExtractedConfig, error) {

	// STRUCT COPY - preserves ALL fields including DeviceRequests, Healthcheck, Tmpfs, etc.
	newConfig := *inspect.Config
	newConfig.Image = newImage

	// STRUCT COPY - preserves ALL fields including DeviceRequests, Resources, etc.
	newHostConfig := *inspect.HostConfig

	// Drop fields the target engine flavor cannot accept
	applyCapabilityFilters(log, &newHostConfig, caps)

	// Collapse duplicate bind/mount representations of the same target
	mergeMounts(log, &newHostConfig)

	// Handle container:X network mode
	// When sharing another container's network namespace, this container cannot have:
	// - Hostname/Domainname/MacAddress (network identity belongs to parent)
	// - PortBindings/ExposedPorts (ports are managed by parent container)
	// Docker API 1.47+ rejects containers with both network_mode:container:X and port bindings
	networkMode := string(newHostConfig.NetworkMode)
	if strings.HasPrefix(networkMode, "container:") {
		newConfig.Hostname = ""
		newConfig.Domainname = ""
		newConfig.MacAddress = ""
		newConfig.ExposedPorts = nil
		newHostConfig.PortBindings = nil
		log.Debug("Cleared Hostname/Domainname/MacAddress/Ports for container: network mode")
	}

	// Re-point NetworkMode container:ID at a recreated parent, else resolve to its name
	if err := resolveNetworkMode(ctx, cli, log, &newHostConfig, recreated); err != nil {
		log.WithError(err).Warn("Failed to resolve NetworkMode, using as-is")
	}

	// Merge labels with fixed precedence: image < compose < tracking < user
	newConfig.Labels = mergeLabels(log, newConfig.Labels, oldImageLabels, newImageLabels)

	// Extract network configuration
	primaryNetwork, networks := extractNetworkConfig(log, inspect)

	containerName := strings.TrimPrefix(inspect.Name, "/")

	return &ExtractedConfig{
		Config:         &newConfig,
		HostConfig:     &newHostConfig,
		Networks:       networks,
		PrimaryNetwork: primaryNetwork,
		ContainerName:  containerName,
	}, nil
}

// applyCapabilityFilters drops or rewrites HostConfig fields the target
// engine flavor does not support. A field the engine cannot take is logged
// and dropped, never allowed to fail the update.
func applyCapabilityFilters(log *logrus.Logger, hostConfig *container.HostConfig, caps *EngineCaps) {
	if caps == nil {
		return
	}

	// NanoCpus -> CpuQuota/CpuPeriod for engines that mishandle NanoCpus (Podman)
	if !caps.NanoCPUs && hostConfig.NanoCPUs > 0 && hostConfig.CPUPeriod == 0 {
		cpuPeriod := int64(100000)
		cpuQuota := int64(float64(hostConfig.NanoCPUs) / 1e9 * float64(cpuPeriod))
		hostConfig.CPUPeriod = cpuPeriod
		hostConfig.CPUQuota = cpuQuota
		hostConfig.NanoCPUs = 0
		log.Debug("Converted NanoCpus to CpuQuota/CpuPeriod")
	}

	if !caps.MemorySwappiness && hostConfig.Resources.MemorySwappiness != nil {
		hostConfig.Resources.MemorySwappiness = nil
		log.Debug("Removed MemorySwappiness for engine compatibility")
	}

	if !caps.DeviceRequests && len(hostConfig.DeviceRequests) > 0 {
		hostConfig.DeviceRequests = nil
		log.Debug("Removed DeviceRequests for engine compatibility")
	}
}

// mergeMounts deduplicates the legacy Binds list against the Mounts array.
// Inspect output can carry the same volume in both representations; creating
// with both makes the engine reject the container as having duplicate
// mount points.
func mergeMounts(log *logrus.Logger, hostConfig *container.HostConfig) {
	if len(hostConfig.Binds) == 0 || len(hostConfig.Mounts) == 0 {
		return
	}

	mountTargets := make(map[string]bool, len(hostConfig.Mounts))
	for _, m := range hostConfig.Mounts {
		mountTargets[m.Target] = true
	}

	var kept []string
	dropped := 0
	for _, bind := range hostConfig.Binds {
		if target := bindTarget(bind); target != "" && mountTargets[target] {
			dropped++
			continue
		}
		kept = append(kept, bind)
	}

	if dropped > 0 {
		hostConfig.Binds = kept
		log.Debugf("Dropped %d bind entries duplicated in mounts array", dropped)
	}
}

// bindTarget returns the container-side path of a bind entry
// ("src:dst[:opts]", "volume:dst[:opts]", or a bare anonymous "/dst").
func bindTarget(bind string) string {
	parts := strings.Split(bind, ":")
	switch len(parts) {
	case 1:
		return parts[0]
	case 2, 3:
		return parts[1]
	default:
		// Windows-style paths; leave the entry untouched
		return ""
	}
}

// resolveNetworkMode rewrites a container:<id> NetworkMode. A parent that
// was recreated this session gets the new id. Otherwise the id is resolved
// to the parent's name, which survives the parent's own future updates.
func resolveNetworkMode(
	ctx context.Context,
	cli *client.Client,
	log *logrus.Logger,
	hostConfig *container.HostConfig,
	recreated map[string]string,
) error {
	networkMode := string(hostConfig.NetworkMode)
	if !strings.HasPrefix(networkMode, "container:") {
		return nil
	}

	refID := strings.TrimPrefix(networkMode, "container:")

	if newID, ok := recreated[refID]; ok {
		hostConfig.NetworkMode = container.NetworkMode("container:" + newID)
		log.Debugf("Re-pointed NetworkMode at recreated container %s", shortID(newID))
		return nil
	}

	refContainer, err := cli.ContainerInspect(ctx, refID)
	if err != nil {
		return fmt.Errorf("failed to resolve container reference %s: %w", refID, err)
	}

	refName := strings.TrimPrefix(refContainer.Name, "/")
	hostConfig.NetworkMode = container.NetworkMode("container:" + refName)
	log.Debugf("Resolved NetworkMode to container:%s", refName)

	return nil
}

// mergeLabels builds the creation label set with fixed precedence:
// new image labels < compose labels < tracking labels < user labels.
// The buckets come from the old container's labels; image-origin entries are
// identified by matching the old image's label set so the new image's values
// take over.
func mergeLabels(
	log *logrus.Logger,
	containerLabels map[string]string,
	oldImageLabels map[string]string,
	newImageLabels map[string]string,
) map[string]string {
	merged := make(map[string]string, len(newImageLabels)+len(containerLabels))

	for key, value := range newImageLabels {
		merged[key] = value
	}

	for key, value := range containerLabels {
		if strings.HasPrefix(key, composeLabelPrefix) {
			merged[key] = value
		}
	}

	for key, value := range containerLabels {
		if strings.HasPrefix(key, trackingLabelPrefix) {
			merged[key] = value
		}
	}

	for key, value := range extractUserLabels(log, containerLabels, oldImageLabels) {
		if strings.HasPrefix(key, composeLabelPrefix) || strings.HasPrefix(key, trackingLabelPrefix) {
			continue
		}
		merged[key] = value
	}

	return merged
}

// extractUserLabels filters container labels to preserve only user-added labels.
// Removes labels that came from the OLD image so new image labels can take effect.
func extractUserLabels(
	log *logrus.Logger,
	containerLabels map[string]string,
	oldImageLabels map[string]string,
) map[string]string {
	if containerLabels == nil {
		return make(map[string]string)
	}

	userLabels := make(map[string]string)
	for key, containerValue := range containerLabels {
		// Keep label if:
		// 1. It doesn't exist in old image labels (user added it), OR
		// 2. Its value differs from old image (user modified it)
		imageValue, existsInImage := oldImageLabels[key]
		if !existsInImage || containerValue != imageValue {
			userLabels[key] = containerValue
		}
	}

	log.Debugf("Label filtering: %d container - %d image defaults = %d user labels preserved",
		len(containerLabels), len(oldImageLabels), len(userLabels))

	return userLabels
}

// extractNetworkConfig collects every custom network endpoint for manual
// reconnection after creation, plus the name of the primary network (the
// one NetworkMode names, or the first custom network). Engine-native
// multi-network creation is unreliable, so creation never passes endpoints;
// the executor attaches each one explicitly.
func extractNetworkConfig(
	log *logrus.Logger,
	inspect *types.ContainerJSON,
) (string, map[string]*network.EndpointSettings) {

	if inspect.NetworkSettings == nil || inspect.NetworkSettings.Networks == nil {
		return "", nil
	}

	networks := inspect.NetworkSettings.Networks
	networkMode := string(inspect.HostConfig.NetworkMode)

	// Namespace-sharing and host modes carry no endpoints of their own
	if strings.HasPrefix(networkMode, "container:") || networkMode == "host" || networkMode == "none" {
		return "", nil
	}

	// Filter to custom networks only (exclude bridge, host, none)
	customNetworks := make(map[string]*network.EndpointSettings)
	for name, data := range networks {
		if name != "bridge" && name != "host" && name != "none" {
			customNetworks[name] = data
		}
	}

	if len(customNetworks) == 0 {
		return "", nil
	}

	// Determine primary network
	primaryNetwork := networkMode
	if primaryNetwork == "" || primaryNetwork == "default" {
		primaryNetwork = "bridge"
	}
	// If NetworkMode doesn't match a network name, use first custom network
	if _, exists := customNetworks[primaryNetwork]; !exists {
		for name := range customNetworks {
			primaryNetwork = name
			break
		}
	}

	endpoints := make(map[string]*network.EndpointSettings, len(customNetworks))
	for networkName, networkData := range customNetworks {
		endpoints[networkName] = buildEndpointConfig(networkData)
	}

	log.Debugf("Extracted %d network endpoints for manual connection (primary %s)",
		len(endpoints), primaryNetwork)

	return primaryNetwork, endpoints
}

// buildEndpointConfig creates an EndpointSettings with user-configured values only.
func buildEndpointConfig(data *network.EndpointSettings) *network.EndpointSettings {
	endpoint := &network.EndpointSettings{}

	// Extract IPAM config (static IPs)
	if data.IPAMConfig != nil {
		ipam := &network.EndpointIPAMConfig{}
		if data.IPAMConfig.IPv4Address != "" {
			ipam.IPv4Address = data.IPAMConfig.IPv4Address
		}
		if data.IPAMConfig.IPv6Address != "" {
			ipam.IPv6Address = data.IPAMConfig.IPv6Address
		}
		if ipam.IPv4Address != "" || ipam.IPv6Address != "" {
			endpoint.IPAMConfig = ipam
		}
	}

	// Filter aliases - remove auto-generated short ID (12 chars)
	if len(data.Aliases) > 0 {
		var userAliases []string
		for _, alias := range data.Aliases {
			if len(alias) != ShortIDLength {
				userAliases = append(userAliases, alias)
			}
		}
		if len(userAliases) > 0 {
			endpoint.Aliases = userAliases
		}
	}

	// Preserve links
	if len(data.Links) > 0 {
		endpoint.Links = data.Links
	}

	return endpoint
}

// ResolveTargetImage returns the reference to pull for the new container.
// A bare digest has no repository of its own; the repository comes from the
// container's recorded image reference, never from the digest string, so
// later digest comparisons stay meaningful.
func ResolveTargetImage(recordedImage, target string) (string, error) {
	if !strings.HasPrefix(target, "sha256:") {
		return target, nil
	}

	if recordedImage == "" || strings.HasPrefix(recordedImage, "sha256:") {
		return "", fmt.Errorf("cannot derive repository for digest %s from recorded image %q", shortID(strings.TrimPrefix(target, "sha256:")), recordedImage)
	}

	named, err := reference.ParseNormalizedNamed(recordedImage)
	if err != nil {
		return "", fmt.Errorf("recorded image %q is not a valid reference: %w", recordedImage, err)
	}

	return reference.FamiliarName(named) + "@" + target, nil
}

// GetImageLabels returns the labels defined in an image.
func GetImageLabels(ctx context.Context, cli *client.Client, imageRef string) (map[string]string, error) {
	img, _, err := cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image: %w", err)
	}

	if img.Config == nil || img.Config.Labels == nil {
		return make(map[string]string), nil
	}

	return img.Config.Labels, nil
}
