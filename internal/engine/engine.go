// Package engine executes overlay removal against staged media files.
// Two strategies exist behind the one Strategy contract: a filter-graph
// pass delegated to an ffmpeg subprocess, and a frame-wise inpaint which
// reconstructs the masked region in-process.
package engine

import (
	"context"
	"fmt"

	"github.com/scrubmedia/scrub/internal/region"
	"github.com/scrubmedia/scrub/pkg/logger"
)

var log = logger.Get("Engine")

// Method is the closed set of removal strategies. A job's method is
// selected once, at submission time.
type Method string

const (
	FilterGraph Method = "filtergraph"
	Inpaint     Method = "inpaint"
)

func ParseMethod(raw string) (Method, error) {
	switch Method(raw) {
	case FilterGraph, Inpaint:
		return Method(raw), nil
	}

	return "", fmt.Errorf("unknown removal method %q", raw)
}

type Config struct {
	FfmpegBinaryPath  string `yaml:"ffmpeg_binary" env:"ENGINE_FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
	FfprobeBinaryPath string `yaml:"ffprobe_binary" env:"ENGINE_FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`

	// SubprocessTimeoutSeconds bounds a single filter-graph subprocess
	// run. Zero disables the timeout. This is a hard operational limit,
	// not a user-facing cancellation mechanism.
	SubprocessTimeoutSeconds int `yaml:"subprocess_timeout" env:"ENGINE_SUBPROCESS_TIMEOUT" env-default:"0"`
}

// ProgressCallback receives percentage updates (0-100) from a running
// strategy. Callbacks may be invoked from the strategy's own goroutine and
// must be safe to call from there.
type ProgressCallback func(percent int)

// Strategy processes inputPath into outputPath, removing the overlay
// covered by rect. Implementations run to completion or failure; there is
// no mid-processing cancellation beyond the context's hard deadline.
type Strategy interface {
	Process(ctx context.Context, inputPath string, rect region.Rect, outputPath string, onProgress ProgressCallback) error
}

// New returns the strategy implementing the given method.
func New(method Method, config Config) (Strategy, error) {
	switch method {
	case FilterGraph:
		return &filterGraphStrategy{config: config}, nil
	case Inpaint:
		return &inpaintStrategy{config: config, probe: Probe}, nil
	}

	return nil, fmt.Errorf("unknown removal method %q", method)
}

// SubprocessError indicates the delegated media-filter subprocess exited
// abnormally. Tail carries the final portion of its diagnostic output.
type SubprocessError struct {
	Tail string
	Err  error
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("subprocess failed: %v: %s", e.Err, e.Tail)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// DecodeError indicates the input could not be decoded (or the output
// encoded) frame-by-frame. There is no partial-output salvage.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode failed: %s", e.Reason) }
