package region_test

import (
	"testing"

	"github.com/scrubmedia/scrub/internal/region"
	"github.com/stretchr/testify/assert"
)

func TestResolveAnchoredExpressions(t *testing.T) {
	tests := []struct {
		summary  string
		params   string
		frameW   int
		frameH   int
		expected region.Rect
	}{
		{
			summary:  "x anchored to right edge",
			params:   "x=iw-160:w=150:h=50",
			frameW:   640,
			frameH:   480,
			expected: region.Rect{X: 330, Y: 0, W: 150, H: 50},
		},
		{
			summary:  "anchored x clamps at zero on narrow frame",
			params:   "x=iw-160:w=150:h=50",
			frameW:   300,
			frameH:   480,
			expected: region.Rect{X: 0, Y: 0, W: 150, H: 50},
		},
		{
			summary:  "full bottom-right overlay",
			params:   "x=iw-160:y=ih-60:w=150:h=50",
			frameW:   640,
			frameH:   480,
			expected: region.Rect{X: 330, Y: 420, W: 150, H: 50},
		},
		{
			summary:  "literal values pass through",
			params:   "x=10:y=20:w=100:h=30",
			frameW:   640,
			frameH:   480,
			expected: region.Rect{X: 10, Y: 20, W: 100, H: 30},
		},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			assert.Equal(t, test.expected, region.Resolve(test.params, test.frameW, test.frameH))
		})
	}
}

func TestResolveDefaultsAndMalformedInput(t *testing.T) {
	// Missing keys fall back to defaults.
	assert.Equal(t, region.Rect{X: 0, Y: 0, W: 150, H: 50}, region.Resolve("", 640, 480))

	// Unknown keys are ignored, malformed values degrade to defaults
	// rather than erroring.
	assert.Equal(t,
		region.Rect{X: 0, Y: 0, W: 150, H: 50},
		region.Resolve("x=banana:w=verywide:zoom=3", 640, 480))

	// An anchored expression missing its offset degrades too.
	assert.Equal(t,
		region.Rect{X: 0, Y: 0, W: 150, H: 50},
		region.Resolve("x=iw", 640, 480))
}

func TestResolveClampsInsideFrame(t *testing.T) {
	// Rect extends past the right/bottom edges: dimensions shrink to fit.
	r := region.Resolve("x=600:y=460:w=150:h=50", 640, 480)
	assert.Equal(t, region.Rect{X: 600, Y: 460, W: 40, H: 20}, r)
	assert.False(t, r.Empty())

	// Origin beyond the frame produces a degenerate (zero-area) rect,
	// which is permitted and simply means a no-op removal.
	r = region.Resolve("x=900:y=900", 640, 480)
	assert.True(t, r.Empty())
}
