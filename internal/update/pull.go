package update

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
)

// pullImage pulls the target image, aggregating the engine's JSON progress
// stream into layer-level events. Progress broadcasts are throttled to every
// 500ms or a 5% overall change, with completion events always sent.
func (e *LocalUpdateExecutor) pullImage(ctx context.Context, uctx *UpdateContext, targetImage string) error {
	pullOpts := image.PullOptions{}
	if uctx.RegistryAuth != nil && uctx.RegistryAuth.Username != "" {
		authConfig := registry.AuthConfig{
			Username: uctx.RegistryAuth.Username,
			Password: uctx.RegistryAuth.Password,
		}
		encodedJSON, err := json.Marshal(authConfig)
		if err == nil {
			pullOpts.RegistryAuth = base64.URLEncoding.EncodeToString(encodedJSON)
			e.log.Debug("Using registry authentication for image pull")
		}
	}

	reader, err := e.cli.ImagePull(ctx, targetImage, pullOpts)
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Track layer progress state for aggregation
	layerStatus := make(map[string]*LayerProgress)
	var lastBroadcast time.Time
	var lastPercent int

	// Speed calculation state
	lastSpeedCheck := time.Now()
	var lastTotalBytes int64
	var speedSamples []float64
	var currentSpeedMbps float64

	// Parse JSON lines from the progress stream
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var progress struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			Error          string `json:"error"`
			ProgressDetail struct {
				Current int64 `json:"current"`
				Total   int64 `json:"total"`
			} `json:"progressDetail"`
		}

		if err := json.Unmarshal(line, &progress); err != nil {
			continue
		}

		// The engine reports pull errors in-stream, not as a transport error
		if progress.Error != "" {
			return fmt.Errorf("failed to pull image: %s", progress.Error)
		}

		if progress.ID == "" {
			continue
		}

		layer, exists := layerStatus[progress.ID]
		if !exists {
			layer = &LayerProgress{}
			layerStatus[progress.ID] = layer
		}

		layer.ID = progress.ID
		layer.Status = progress.Status

		// Handle completion events specially
		if progress.Status == "Pull complete" || progress.Status == "Already exists" {
			layer.Current = layer.Total
		} else {
			layer.Current = progress.ProgressDetail.Current
			if progress.ProgressDetail.Total > 0 {
				layer.Total = progress.ProgressDetail.Total
			}
		}

		// Calculate percent for this layer
		if layer.Total > 0 {
			layer.Percent = int((layer.Current * 100) / layer.Total)
		}

		// Calculate overall progress
		var totalBytes, downloadedBytes int64
		for _, l := range layerStatus {
			if l.Total > 0 {
				totalBytes += l.Total
				downloadedBytes += l.Current
			}
		}

		overallPercent := 0
		if totalBytes > 0 {
			overallPercent = int((downloadedBytes * 100) / totalBytes)
		}

		// Calculate download speed (MB/s) with moving average smoothing
		now := time.Now()
		timeDelta := now.Sub(lastSpeedCheck).Seconds()

		if timeDelta >= 1.0 {
			bytesDelta := downloadedBytes - lastTotalBytes
			if bytesDelta > 0 {
				rawSpeed := float64(bytesDelta) / timeDelta / (1024 * 1024)
				speedSamples = append(speedSamples, rawSpeed)
				if len(speedSamples) > 3 {
					speedSamples = speedSamples[1:]
				}

				var sum float64
				for _, s := range speedSamples {
					sum += s
				}
				currentSpeedMbps = sum / float64(len(speedSamples))
			}

			lastTotalBytes = downloadedBytes
			lastSpeedCheck = now
		}

		// Throttle broadcasts: every 500ms OR 5% change OR completion events
		isCompletion := strings.Contains(strings.ToLower(progress.Status), "complete") ||
			progress.Status == "Already exists"
		shouldBroadcast := now.Sub(lastBroadcast) >= 500*time.Millisecond ||
			abs(overallPercent-lastPercent) >= 5 ||
			isCompletion

		if shouldBroadcast {
			e.sendPullProgress(uctx, layerStatus, overallPercent, currentSpeedMbps)
			lastBroadcast = now
			lastPercent = overallPercent
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read pull progress: %w", err)
	}

	return nil
}

// sendPullProgress sends detailed layer progress plus an interpolated
// pulling-stage checkpoint.
func (e *LocalUpdateExecutor) sendPullProgress(uctx *UpdateContext, layers map[string]*LayerProgress, overallPercent int, speedMbps float64) {
	// Build layer list with status counts
	layerList := make([]*LayerProgress, 0, len(layers))
	var downloading, extracting, complete, cached int

	for _, layer := range layers {
		layerList = append(layerList, layer)

		switch layer.Status {
		case "Downloading":
			downloading++
		case "Extracting":
			extracting++
		case "Already exists":
			cached++
		case "Pull complete", "Download complete":
			complete++
		}
	}

	// Sort layers by priority (active layers first) for consistent display
	sortLayersByPriority(layerList)

	// Truncate to 20 layers for event size; TotalLayers keeps the real count
	totalLayers := len(layerList)
	if len(layerList) > 20 {
		layerList = layerList[:20]
	}

	// Build summary message
	var summary string
	if downloading > 0 {
		summary = fmt.Sprintf("Downloading %d of %d layers (%d%%)", downloading, totalLayers, overallPercent)
	} else if extracting > 0 {
		summary = fmt.Sprintf("Extracting %d of %d layers (%d%%)", extracting, totalLayers, overallPercent)
	} else if complete+cached == totalLayers && totalLayers > 0 {
		if cached > 0 {
			summary = fmt.Sprintf("Pull complete (%d layers, %d cached)", totalLayers, cached)
		} else {
			summary = fmt.Sprintf("Pull complete (%d layers)", totalLayers)
		}
	} else {
		summary = fmt.Sprintf("Pulling image (%d%%)", overallPercent)
	}

	if e.opts.OnPullProgress != nil {
		e.opts.OnPullProgress(PullProgressEvent{
			ContainerID:     uctx.ContainerID,
			OverallProgress: overallPercent,
			Layers:          layerList,
			TotalLayers:     totalLayers,
			Summary:         summary,
			SpeedMbps:       speedMbps,
		})
	}

	// Stage observers see the pull advance from 10% to 25%
	stagePercent := StagePulling.Percent() +
		overallPercent*(StagePullComplete.Percent()-StagePulling.Percent())/100
	e.opts.progressAt(StagePulling, stagePercent, summary)
}

// sortLayersByPriority sorts layers by status priority (active layers first).
func sortLayersByPriority(layers []*LayerProgress) {
	priorityMap := map[string]int{
		"Downloading":        0,
		"Extracting":         1,
		"Verifying Checksum": 2,
		"Download complete":  3,
		"Pull complete":      4,
		"Already exists":     5,
		"Waiting":            6,
		"Pulling fs layer":   7,
	}

	// Simple insertion sort (typically < 50 layers)
	for i := 1; i < len(layers); i++ {
		j := i
		for j > 0 {
			pi := priorityMap[layers[j-1].Status]
			pj := priorityMap[layers[j].Status]
			// Use 99 for unknown statuses to sort them last
			if pi == 0 && layers[j-1].Status != "Downloading" {
				pi = 99
			}
			if pj == 0 && layers[j].Status != "Downloading" {
				pj = 99
			}
			if pi <= pj {
				break
			}
			layers[j-1], layers[j] = layers[j], layers[j-1]
			j--
		}
	}
}

// abs returns the absolute value of an integer.
func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
