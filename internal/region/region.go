// Package region resolves the compact positional-parameter strings that
// describe an overlay region (e.g. "x=iw-160:y=ih-60:w=150:h=50") into an
// absolute pixel rectangle for a given frame size.
package region

import (
	"fmt"
	"strconv"
	"strings"
)

// Defaults applied for any key that is missing or fails to parse.
const (
	DefaultW = 150
	DefaultH = 50
	DefaultX = 0
	DefaultY = 0
)

// Rect is an absolute pixel rectangle, guaranteed by Resolve to lie fully
// inside the frame it was resolved against. A zero-area Rect is valid and
// results in a no-op removal.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

func (r Rect) String() string {
	return fmt.Sprintf("x=%d:y=%d:w=%d:h=%d", r.X, r.Y, r.W, r.H)
}

// Resolve parses the parameter string against the frame's actual
// dimensions. The grammar is colon-separated key=value pairs; unknown keys
// are ignored and keys that are missing or malformed fall back to their
// defaults - Resolve never fails on bad input, it degrades.
//
// x and y accept either a literal integer, or an expression anchored to the
// opposite frame edge: "iw-<offset>" for x, "ih-<offset>" for y. An anchored
// value resolves as total - offset - ownDimension, floored at zero, so
// width=640 with w=150 and x=iw-160 yields x = 640 - 160 - 150 = 330.
func Resolve(params string, frameW, frameH int) Rect {
	pairs := parsePairs(params)

	w := intValue(pairs["w"], DefaultW)
	h := intValue(pairs["h"], DefaultH)
	x := axisValue(pairs["x"], DefaultX, "iw", frameW, w)
	y := axisValue(pairs["y"], DefaultY, "ih", frameH, h)

	return Rect{X: x, Y: y, W: w, H: h}.Clamped(frameW, frameH)
}

// parsePairs splits "k=v:k=v" into a map, tolerating stray whitespace and
// fragments without an '='.
func parsePairs(params string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(strings.ReplaceAll(params, " ", ""), ":") {
		key, value, found := strings.Cut(part, "=")
		if !found || key == "" {
			continue
		}

		out[key] = value
	}

	return out
}

func intValue(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}

	return v
}

// axisValue resolves an x/y value which may be anchored to the far edge of
// its axis ("iw-160" or "ih-60"). Anything unparseable yields the fallback.
func axisValue(raw string, fallback int, axis string, total int, ownDim int) int {
	if raw == "" {
		return fallback
	}

	if strings.Contains(raw, axis) {
		_, offsetRaw, found := strings.Cut(raw, "-")
		if !found {
			return fallback
		}

		offset, err := strconv.Atoi(offsetRaw)
		if err != nil {
			return fallback
		}

		return max(0, total-offset-ownDim)
	}

	return intValue(raw, fallback)
}

// Clamped forces the rectangle fully inside the frame. Origin is clamped
// first, then the dimensions are shrunk to fit whatever room remains.
func (r Rect) Clamped(frameW, frameH int) Rect {
	r.X = min(max(r.X, 0), max(frameW, 0))
	r.Y = min(max(r.Y, 0), max(frameH, 0))
	r.W = max(0, min(r.W, frameW-r.X))
	r.H = max(0, min(r.H, frameH-r.Y))

	return r
}
