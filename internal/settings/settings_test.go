package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrubmedia/scrub/internal/engine"
	"github.com/scrubmedia/scrub/internal/event"
)

func Test_Update_BumpsVersionAndAnnounces(t *testing.T) {
	eventBus := event.New()
	announced := make([]int, 0)
	eventBus.RegisterHandlerFunction(event.SettingsUpdateEvent, func(_ event.Event, payload event.Payload) {
		announced = append(announced, payload.(int))
	})

	store := New(eventBus, engine.FilterGraph, "x=0:y=0")
	assert.Equal(t, 1, store.Current().Version)

	method := "inpaint"
	updated, err := store.Update(Patch{Method: &method})
	assert.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, engine.Inpaint, updated.Method)
	assert.Equal(t, "x=0:y=0", updated.Params, "untouched fields carry over")

	params := "x=iw-160:y=ih-60"
	updated, err = store.Update(Patch{Params: &params})
	assert.NoError(t, err)
	assert.Equal(t, 3, updated.Version)
	assert.Equal(t, engine.Inpaint, updated.Method)
	assert.Equal(t, params, updated.Params)

	assert.Equal(t, []int{2, 3}, announced)
}

func Test_Update_RejectsUnknownMethodWithoutMutating(t *testing.T) {
	store := New(event.New(), engine.FilterGraph, "x=0")

	method := "magic"
	_, err := store.Update(Patch{Method: &method})
	assert.Error(t, err)

	current := store.Current()
	assert.Equal(t, 1, current.Version)
	assert.Equal(t, engine.FilterGraph, current.Method)
}

func Test_SnapshotIsImmutable(t *testing.T) {
	store := New(event.New(), engine.FilterGraph, "x=1")

	before := store.Current()
	params := "x=2"
	_, err := store.Update(Patch{Params: &params})
	assert.NoError(t, err)

	assert.Equal(t, "x=1", before.Params, "a snapshot taken earlier is unaffected by later updates")
}
