package engine

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/floostack/transcoder/ffmpeg"
)

// fallbackFPS matches ffmpeg's own assumption for streams that do not
// declare a frame rate.
const fallbackFPS = 25.0

// MediaInfo is the subset of probe output the pipeline cares about. A
// FrameCount or Duration of zero means the container did not declare one.
type MediaInfo struct {
	DurationSeconds float64
	Width           int
	Height          int
	FPS             float64
	FrameCount      int
}

// Probe runs ffprobe against the given path and extracts the frame
// dimensions, frame rate, declared frame count and container duration of
// the first video stream.
func Probe(config Config, path string) (*MediaInfo, error) {
	cfg := &ffmpeg.Config{
		FfmpegBinPath:  config.FfmpegBinaryPath,
		FfprobeBinPath: config.FfprobeBinaryPath,
	}

	metadata, err := ffmpeg.New(cfg).Input(path).GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to probe media file: %w", err)
	}

	info := &MediaInfo{FPS: fallbackFPS}
	if duration, err := strconv.ParseFloat(metadata.GetFormat().GetDuration(), 64); err == nil {
		info.DurationSeconds = duration
	}

	for _, stream := range metadata.GetStreams() {
		if stream.GetCodecType() != "video" {
			continue
		}

		info.Width = stream.GetWidth()
		info.Height = stream.GetHeight()
		if fps := parseFrameRate(stream.GetAvgFrameRate()); fps > 0 {
			info.FPS = fps
		}
		break
	}

	if info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("media file %s contains no usable video stream", path)
	}

	info.FrameCount = probeFrameCount(config.FfprobeBinaryPath, path)

	return info, nil
}

// probeFrameCount asks ffprobe for the declared frame count of the first
// video stream. Not every container declares one, so failures and empty
// answers simply report zero rather than failing the probe.
func probeFrameCount(ffprobeBinaryPath string, path string) int {
	output, err := exec.Command(
		ffprobeBinaryPath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=nb_frames",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0
	}

	return parseFrameCount(string(output))
}

// parseFrameCount extracts a frame count from ffprobe's raw stdout. Streams
// without a declared count report "N/A", which maps to zero.
func parseFrameCount(raw string) int {
	frames, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || frames < 0 {
		return 0
	}

	return frames
}

// parseFrameRate converts ffprobe's rational frame rate ("30000/1001",
// "25/1") into a float. Returns 0 when the value is unusable.
func parseFrameRate(raw string) float64 {
	num, den, found := strings.Cut(raw, "/")
	if !found {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}

		return 0
	}

	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}

	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}

	return n / d
}
