package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/scrubmedia/scrub/internal/region"
)

// failureTailLength bounds the amount of subprocess diagnostic output kept
// for a failure report.
const failureTailLength = 1000

var timestampPattern = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)

// filterGraphStrategy removes the overlay by running the media through an
// ffmpeg delogo filter pass. The subprocess owns the decode/encode loop;
// we track progress by parsing the timestamps it prints on stderr.
type filterGraphStrategy struct {
	config Config
}

func (strategy *filterGraphStrategy) Process(ctx context.Context, inputPath string, rect region.Rect, outputPath string, onProgress ProgressCallback) error {
	info, err := Probe(strategy.config, inputPath)
	if err != nil {
		// Progress becomes coarse without a duration, but the pass
		// itself does not depend on the probe.
		log.Warnf("Probe of %s failed (%v), progress reporting degraded\n", inputPath, err)
		info = &MediaInfo{}
	}

	if strategy.config.SubprocessTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(strategy.config.SubprocessTimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, strategy.config.FfmpegBinaryPath, strategy.arguments(inputPath, rect, outputPath)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to subprocess output: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start media subprocess: %w", err)
	}

	log.Debugf("Started filter-graph subprocess (pid=%d) for %s\n", cmd.Process.Pid, inputPath)

	// The tail is retained across the whole run so a late failure still
	// reports the diagnostics that preceded it.
	tail := make([]byte, 0, failureTailLength)
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanCarriageLines)
	for scanner.Scan() {
		line := scanner.Bytes()
		tail = appendTail(tail, line)

		if info.DurationSeconds <= 0 {
			continue
		}

		if seconds, ok := extractTimestamp(line); ok {
			pct := progressPercent(seconds, info.DurationSeconds)
			onProgress(min(pct, 100))
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &SubprocessError{Tail: string(tail), Err: ctxErr}
		}

		return &SubprocessError{Tail: string(tail), Err: err}
	}

	onProgress(100)
	return nil
}

// arguments builds the ffmpeg invocation. An empty rect degrades to a
// stream copy so the output is still produced.
func (strategy *filterGraphStrategy) arguments(inputPath string, rect region.Rect, outputPath string) []string {
	if rect.Empty() {
		return []string{"-y", "-i", inputPath, "-c", "copy", outputPath}
	}

	return []string{
		"-y",
		"-i", inputPath,
		"-vf", fmt.Sprintf("delogo=%s", rect),
		"-c:a", "copy",
		outputPath,
	}
}

// extractTimestamp pulls the elapsed media time out of an ffmpeg progress
// line ("... time=00:01:23.45 bitrate=...") as seconds.
func extractTimestamp(line []byte) (float64, bool) {
	match := timestampPattern.FindSubmatch(line)
	if match == nil {
		return 0, false
	}

	hours, _ := strconv.ParseFloat(string(match[1]), 64)
	minutes, _ := strconv.ParseFloat(string(match[2]), 64)
	seconds, _ := strconv.ParseFloat(string(match[3]), 64)

	return hours*3600 + minutes*60 + seconds, true
}

// appendTail keeps only the final failureTailLength bytes of output.
func appendTail(tail, line []byte) []byte {
	tail = append(tail, line...)
	tail = append(tail, '\n')
	if over := len(tail) - failureTailLength; over > 0 {
		tail = tail[over:]
	}

	return tail
}

// scanCarriageLines splits on both newlines and carriage returns; ffmpeg
// refreshes its progress line with bare \r.
func scanCarriageLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}
