package job

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrubmedia/scrub/internal/engine"
)

func Test_Transition_HappyPath(t *testing.T) {
	j := New("clip.mp4", "uid-1", engine.FilterGraph, "")

	assert.Equal(t, Queued, j.Status)
	assert.NoError(t, j.Transition(Downloading))
	assert.NoError(t, j.Transition(Processing))
	assert.Zero(t, j.Progress, "progress resets on entering Processing")
	assert.NoError(t, j.Transition(Finalizing))
	assert.NoError(t, j.Transition(Done))
	assert.Equal(t, 100, j.Progress, "progress is forced to 100 on Done")
}

func Test_Transition_DuplicateShortCircuit(t *testing.T) {
	fromQueued := New("a.mp4", "uid-a", engine.FilterGraph, "")
	assert.NoError(t, fromQueued.Transition(Done))

	fromDownloading := New("b.mp4", "uid-b", engine.FilterGraph, "")
	assert.NoError(t, fromDownloading.Transition(Downloading))
	assert.NoError(t, fromDownloading.Transition(Done))
}

func Test_Transition_IllegalMoves(t *testing.T) {
	tests := []struct {
		summary string
		from    Status
		to      Status
	}{
		{"cannot skip download", Queued, Processing},
		{"cannot skip processing", Downloading, Finalizing},
		{"cannot complete mid-processing", Processing, Done},
		{"cannot move backwards", Finalizing, Processing},
		{"done is terminal", Done, Downloading},
		{"failed is terminal", Failed, Queued},
		{"cannot re-fail a failed job", Failed, Failed},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			j := New("clip.mp4", "uid", engine.FilterGraph, "")
			j.Status = test.from

			assert.Error(t, j.Transition(test.to))
			assert.Equal(t, test.from, j.Status, "an illegal transition must not mutate the job")
		})
	}
}

func Test_Fail_FromEveryNonTerminalState(t *testing.T) {
	for _, from := range []Status{Queued, Downloading, Processing, Finalizing} {
		j := New("clip.mp4", "uid", engine.Inpaint, "")
		j.Status = from

		assert.NoError(t, j.Fail(SubprocessFailure, "boom"))
		assert.Equal(t, Failed, j.Status)
		assert.Equal(t, SubprocessFailure, *j.ErrorKind)
		assert.Equal(t, "boom", *j.Error)
	}
}

func Test_Fail_BoundsMessageToFinalThousandCharacters(t *testing.T) {
	j := New("clip.mp4", "uid", engine.FilterGraph, "")

	message := strings.Repeat("x", 2000) + "tail-marker"
	assert.NoError(t, j.Fail(DecodeFailure, message))

	assert.Len(t, *j.Error, 1000)
	assert.True(t, strings.HasSuffix(*j.Error, "tail-marker"), "the end of the message carries the diagnostics and must survive truncation")
}

func Test_SetProgress_IsMonotonicAndCapped(t *testing.T) {
	j := New("clip.mp4", "uid", engine.FilterGraph, "")

	j.SetProgress(40)
	assert.Equal(t, 40, j.Progress)

	j.SetProgress(20)
	assert.Equal(t, 40, j.Progress, "progress never decreases")

	j.SetProgress(150)
	assert.Equal(t, 100, j.Progress, "progress is capped at 100")
}
