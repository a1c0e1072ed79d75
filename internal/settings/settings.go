// Package settings holds the mutable runtime defaults applied to job
// submissions that do not specify their own. The store is versioned so a
// job can record exactly which generation of defaults it was built from.
package settings

import (
	"fmt"
	"sync"

	"github.com/scrubmedia/scrub/internal/engine"
	"github.com/scrubmedia/scrub/internal/event"
	"github.com/scrubmedia/scrub/pkg/logger"
)

var log = logger.Get("Settings")

// Snapshot is an immutable view of the defaults at a particular version.
// Jobs capture a Snapshot at submission time; later updates to the store
// never affect a job already submitted.
type Snapshot struct {
	Version int           `json:"version"`
	Method  engine.Method `json:"method"`
	Params  string        `json:"params"`
}

// Patch carries the fields of an update request. Nil fields are left
// unchanged.
type Patch struct {
	Method *string `json:"method"`
	Params *string `json:"params"`
}

// Store is the process-wide versioned settings holder. Every successful
// update increments the version and announces it on the event bus.
type Store struct {
	mu      sync.RWMutex
	current Snapshot

	eventBus event.EventDispatcher
}

func New(eventBus event.EventDispatcher, initialMethod engine.Method, initialParams string) *Store {
	return &Store{
		current:  Snapshot{Version: 1, Method: initialMethod, Params: initialParams},
		eventBus: eventBus,
	}
}

// Current returns the live snapshot.
func (store *Store) Current() Snapshot {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return store.current
}

// Update applies the patch, bumps the version and dispatches a
// settings-update event. The whole patch is validated before any of it is
// applied; a bad method leaves the store untouched.
func (store *Store) Update(patch Patch) (Snapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	next := store.current
	if patch.Method != nil {
		method, err := engine.ParseMethod(*patch.Method)
		if err != nil {
			return Snapshot{}, fmt.Errorf("settings update rejected: %w", err)
		}

		next.Method = method
	}
	if patch.Params != nil {
		next.Params = *patch.Params
	}

	next.Version = store.current.Version + 1
	store.current = next

	log.Infof("Runtime defaults updated to v%d (method=%s params=%q)\n", next.Version, next.Method, next.Params)
	store.eventBus.Dispatch(event.SettingsUpdateEvent, next.Version)

	return next, nil
}
