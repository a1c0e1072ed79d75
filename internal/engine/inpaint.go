package engine

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/scrubmedia/scrub/internal/region"
)

const bytesPerPixel = 3 // rgb24

// encoderFlushCeiling caps reported progress while frames are still being
// fed to the encoder; the remaining headroom is released only once the
// encoder has flushed and exited cleanly.
const encoderFlushCeiling = 90

// inpaintStrategy removes the overlay by reconstructing the masked region
// in-process, frame by frame. Two ffmpeg subprocesses bracket the work:
// one decodes to raw rgb24 frames on a pipe, the other re-encodes the
// repaired frames from a pipe.
type inpaintStrategy struct {
	config Config
	probe  func(Config, string) (*MediaInfo, error)
}

func (strategy *inpaintStrategy) Process(ctx context.Context, inputPath string, rect region.Rect, outputPath string, onProgress ProgressCallback) error {
	info, err := strategy.probe(strategy.config, inputPath)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}

	totalFrames := info.FrameCount
	if totalFrames == 0 {
		return &DecodeError{Reason: fmt.Sprintf("unable to determine frame count of %s", inputPath)}
	}

	decoder := exec.CommandContext(ctx, strategy.config.FfmpegBinaryPath,
		"-i", inputPath,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
	decodeOut, err := decoder.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to decoder output: %w", err)
	}

	encoder := exec.CommandContext(ctx, strategy.config.FfmpegBinaryPath,
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"-r", fmt.Sprintf("%f", info.FPS),
		"-i", "pipe:0",
		"-pix_fmt", "yuv420p",
		outputPath,
	)
	encodeIn, err := encoder.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to encoder input: %w", err)
	}

	if err := decoder.Start(); err != nil {
		return fmt.Errorf("failed to start decoder subprocess: %w", err)
	}
	defer decoder.Process.Kill()

	if err := encoder.Start(); err != nil {
		return fmt.Errorf("failed to start encoder subprocess: %w", err)
	}
	defer encoder.Process.Kill()

	log.Debugf("Started inpaint pipeline for %s (%dx%d, ~%d frames)\n", inputPath, info.Width, info.Height, totalFrames)

	mask := rect.Clamped(info.Width, info.Height)
	frame := make([]byte, info.Width*info.Height*bytesPerPixel)
	processed := 0
	for {
		if _, err := io.ReadFull(decodeOut, frame); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				return &DecodeError{Reason: fmt.Sprintf("truncated frame at index %d", processed)}
			}

			return &DecodeError{Reason: err.Error()}
		}

		if !mask.Empty() {
			inpaintFrame(frame, info.Width, info.Height, mask)
		}

		if _, err := encodeIn.Write(frame); err != nil {
			return fmt.Errorf("failed to feed encoder: %w", err)
		}

		processed++
		pct := progressPercent(float64(processed), float64(totalFrames))
		onProgress(min(pct, encoderFlushCeiling))
	}

	if err := encodeIn.Close(); err != nil {
		return fmt.Errorf("failed to close encoder input: %w", err)
	}

	if err := decoder.Wait(); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("decoder exited abnormally: %v", err)}
	}
	if err := encoder.Wait(); err != nil {
		return &SubprocessError{Tail: "encoder exited abnormally", Err: err}
	}

	onProgress(100)
	return nil
}

// inpaintFrame fills the masked rect by blending, per pixel, the nearest
// intact pixels on either side of the mask along both axes, weighted by
// proximity. Edges of the frame fall back to the single available side.
func inpaintFrame(frame []byte, frameW, frameH int, mask region.Rect) {
	left, right := mask.X-1, mask.X+mask.W
	top, bottom := mask.Y-1, mask.Y+mask.H

	for y := mask.Y; y < mask.Y+mask.H; y++ {
		for x := mask.X; x < mask.X+mask.W; x++ {
			for c := 0; c < bytesPerPixel; c++ {
				var sum, weight float64

				if left >= 0 {
					w := 1.0 / float64(x-left)
					sum += w * float64(frame[pixelOffset(left, y, frameW)+c])
					weight += w
				}
				if right < frameW {
					w := 1.0 / float64(right-x)
					sum += w * float64(frame[pixelOffset(right, y, frameW)+c])
					weight += w
				}
				if top >= 0 {
					w := 1.0 / float64(y-top)
					sum += w * float64(frame[pixelOffset(x, top, frameW)+c])
					weight += w
				}
				if bottom < frameH {
					w := 1.0 / float64(bottom-y)
					sum += w * float64(frame[pixelOffset(x, bottom, frameW)+c])
					weight += w
				}

				if weight > 0 {
					frame[pixelOffset(x, y, frameW)+c] = byte(sum/weight + 0.5)
				}
			}
		}
	}
}

func pixelOffset(x, y, frameW int) int {
	return (y*frameW + x) * bytesPerPixel
}
