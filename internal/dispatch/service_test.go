package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrubmedia/scrub/internal/dedupe"
	"github.com/scrubmedia/scrub/internal/engine"
	"github.com/scrubmedia/scrub/internal/event"
	"github.com/scrubmedia/scrub/internal/job"
	"github.com/scrubmedia/scrub/internal/region"
	"github.com/scrubmedia/scrub/internal/settings"
)

// memStore is an in-memory Store with the same claim semantics as the
// database-backed one.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*job.Job)}
}

func (store *memStore) Save(_ context.Context, j *job.Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	clone := *j
	store.jobs[j.ID] = &clone
	return nil
}

func (store *memStore) Update(_ context.Context, j *job.Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.jobs[j.ID]; !ok {
		return job.ErrJobNotFound
	}

	clone := *j
	store.jobs[j.ID] = &clone
	return nil
}

func (store *memStore) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	j, ok := store.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}

	clone := *j
	return &clone, nil
}

func (store *memStore) GetAll(_ context.Context) ([]*job.Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	out := make([]*job.Job, 0, len(store.jobs))
	for _, j := range store.jobs {
		clone := *j
		out = append(out, &clone)
	}

	return out, nil
}

func (store *memStore) ClaimQueued(_ context.Context, id uuid.UUID) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	j, ok := store.jobs[id]
	if !ok || j.Status != job.Queued {
		return false, nil
	}

	j.Status = job.Downloading
	return true, nil
}

func (store *memStore) SetProgress(_ context.Context, id uuid.UUID, percent int) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if j, ok := store.jobs[id]; ok && percent > j.Progress {
		j.Progress = min(percent, 100)
	}

	return nil
}

// stubDedupe records registered identities in-memory.
type stubDedupe struct {
	mode dedupe.Mode
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newStubDedupe(mode dedupe.Mode) *stubDedupe {
	return &stubDedupe{mode: mode, seen: make(map[string]bool)}
}

func (stub *stubDedupe) Mode() dedupe.Mode { return stub.mode }

func (stub *stubDedupe) Register(_ context.Context, identityKey string, _ uuid.UUID) (bool, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()

	if stub.err != nil {
		return false, stub.err
	}

	if stub.seen[identityKey] {
		return false, nil
	}

	stub.seen[identityKey] = true
	return true, nil
}

// fakeSource stages fixed content to the destination path.
type fakeSource struct {
	ref      string
	uniqueID string
	content  []byte
	stageErr error
}

func (source *fakeSource) Ref() string      { return source.ref }
func (source *fakeSource) UniqueID() string { return source.uniqueID }
func (source *fakeSource) Size() int64      { return int64(len(source.content)) }

func (source *fakeSource) Stage(_ context.Context, dest string) error {
	if source.stageErr != nil {
		return source.stageErr
	}

	return os.WriteFile(dest, source.content, 0644)
}

// fakeStrategy writes a non-empty output and walks progress to completion.
type fakeStrategy struct {
	rect      region.Rect
	outputErr error
	skipWrite bool
}

func (strategy *fakeStrategy) Process(_ context.Context, _ string, rect region.Rect, outputPath string, onProgress engine.ProgressCallback) error {
	strategy.rect = rect
	if strategy.outputErr != nil {
		return strategy.outputErr
	}

	onProgress(50)
	if !strategy.skipWrite {
		if err := os.WriteFile(outputPath, []byte("processed"), 0644); err != nil {
			return err
		}
	}

	onProgress(100)
	return nil
}

func newTestService(t *testing.T, mode dedupe.Mode) (*dispatcherService, *memStore, *stubDedupe, *fakeStrategy) {
	t.Helper()

	store := newMemStore()
	dedupeStub := newStubDedupe(mode)
	strategy := &fakeStrategy{}

	workDir := t.TempDir()
	eventBus := event.New()
	settingsStore := settings.New(eventBus, engine.FilterGraph, "x=iw-160:y=ih-60:w=150:h=50")

	service, err := New(
		Config{WorkerCount: 1, MaxFileSizeMB: 1, DeleteDuplicateDownloads: true},
		engine.Config{},
		store,
		dedupeStub,
		settingsStore,
		eventBus,
		filepath.Join(workDir, "download"),
		filepath.Join(workDir, "out"),
	)
	require.NoError(t, err)

	service.newStrategy = func(engine.Method, engine.Config) (engine.Strategy, error) { return strategy, nil }
	service.probe = func(engine.Config, string) (*engine.MediaInfo, error) {
		return &engine.MediaInfo{Width: 640, Height: 480, FPS: 25, FrameCount: 100, DurationSeconds: 4}, nil
	}

	return service, store, dedupeStub, strategy
}

// drain runs the worker task until the queue is empty.
func drain(t *testing.T, service *dispatcherService) {
	t.Helper()

	for {
		didWork, err := service.work(nil)
		assert.NoError(t, err)
		if !didWork {
			return
		}
	}
}

func Test_Submit_RejectsOversizeFile(t *testing.T) {
	service, _, _, _ := newTestService(t, dedupe.ModeIdentifier)

	source := &fakeSource{ref: "big.mp4", uniqueID: "uid-big", content: make([]byte, 2*1024*1024)}
	_, err := service.Submit(context.Background(), source, Overrides{})

	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func Test_Submit_RejectsUnknownMethodOverride(t *testing.T) {
	service, _, _, _ := newTestService(t, dedupe.ModeIdentifier)

	method := "magic"
	_, err := service.Submit(context.Background(), &fakeSource{ref: "a.mp4", uniqueID: "u"}, Overrides{Method: &method})

	assert.Error(t, err)
}

func Test_Pipeline_CompletesAndResolvesRegion(t *testing.T) {
	service, store, _, strategy := newTestService(t, dedupe.ModeIdentifier)

	source := &fakeSource{ref: "clip.mp4", uniqueID: "uid-1", content: []byte("media-bytes")}
	submitted, err := service.Submit(context.Background(), source, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, job.Queued, submitted.Status)

	drain(t, service)

	final, err := store.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Done, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.False(t, final.Duplicate)

	// x=iw-160 against a 640-wide frame with w=150 resolves to 330.
	assert.Equal(t, region.Rect{X: 330, Y: 370, W: 150, H: 50}, strategy.rect)

	require.NotNil(t, final.OutputPath)
	assert.FileExists(t, *final.OutputPath)
	assert.Contains(t, *final.OutputPath, "clip_processed.mp4")

	path, err := service.Result(context.Background(), submitted.ID)
	assert.NoError(t, err)
	assert.Equal(t, *final.OutputPath, path)
}

func Test_Pipeline_IdentifierDuplicateShortCircuits(t *testing.T) {
	service, store, _, _ := newTestService(t, dedupe.ModeIdentifier)

	first, err := service.Submit(context.Background(), &fakeSource{ref: "a.mp4", uniqueID: "same-uid", content: []byte("x")}, Overrides{})
	require.NoError(t, err)
	drain(t, service)

	second, err := service.Submit(context.Background(), &fakeSource{ref: "a.mp4", uniqueID: "same-uid", content: []byte("x")}, Overrides{})
	require.NoError(t, err)

	// The duplicate completes synchronously, before any worker touches it.
	assert.Equal(t, job.Done, second.Status)
	assert.True(t, second.Duplicate)

	stored, err := store.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Done, stored.Status)
	assert.True(t, stored.Duplicate)
	assert.Nil(t, stored.OutputPath, "a duplicate produces no output")

	_, err = service.Result(context.Background(), second.ID)
	assert.ErrorIs(t, err, ErrResultNotReady)

	firstStored, _ := store.Get(context.Background(), first.ID)
	assert.False(t, firstStored.Duplicate)
}

func Test_Pipeline_HashDuplicateDetectedAfterStaging(t *testing.T) {
	service, store, _, _ := newTestService(t, dedupe.ModeHash)

	content := []byte("identical-bytes")
	first, err := service.Submit(context.Background(), &fakeSource{ref: "one.mp4", uniqueID: "uid-1", content: content}, Overrides{})
	require.NoError(t, err)
	drain(t, service)

	second, err := service.Submit(context.Background(), &fakeSource{ref: "two.mp4", uniqueID: "uid-2", content: content}, Overrides{})
	require.NoError(t, err)
	drain(t, service)

	firstStored, _ := store.Get(context.Background(), first.ID)
	assert.Equal(t, job.Done, firstStored.Status)
	assert.False(t, firstStored.Duplicate)

	contentHash := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(contentHash[:]), firstStored.IdentityKey,
		"the transport identifier is replaced by the content hash once staged")

	secondStored, _ := store.Get(context.Background(), second.ID)
	assert.Equal(t, job.Done, secondStored.Status)
	assert.True(t, secondStored.Duplicate)
	assert.NoFileExists(t, secondStored.InputPath, "the duplicate's staged download is deleted")
}

func Test_Pipeline_StageFailureIsInputUnavailable(t *testing.T) {
	service, store, _, _ := newTestService(t, dedupe.ModeIdentifier)

	source := &fakeSource{ref: "gone.mp4", uniqueID: "uid-gone", stageErr: errors.New("source revoked the file")}
	submitted, err := service.Submit(context.Background(), source, Overrides{})
	require.NoError(t, err)

	drain(t, service)

	stored, _ := store.Get(context.Background(), submitted.ID)
	assert.Equal(t, job.Failed, stored.Status)
	assert.Equal(t, job.InputUnavailable, *stored.ErrorKind)
}

func Test_Pipeline_SubprocessFailureKind(t *testing.T) {
	service, store, _, strategy := newTestService(t, dedupe.ModeIdentifier)
	strategy.outputErr = &engine.SubprocessError{Tail: "delogo: invalid region", Err: errors.New("exit status 1")}

	submitted, err := service.Submit(context.Background(), &fakeSource{ref: "bad.mp4", uniqueID: "uid-bad", content: []byte("x")}, Overrides{})
	require.NoError(t, err)

	drain(t, service)

	stored, _ := store.Get(context.Background(), submitted.ID)
	assert.Equal(t, job.Failed, stored.Status)
	assert.Equal(t, job.SubprocessFailure, *stored.ErrorKind)
	assert.Contains(t, *stored.Error, "delogo: invalid region")
}

func Test_Pipeline_MissingOutputFailsFinalization(t *testing.T) {
	service, store, _, strategy := newTestService(t, dedupe.ModeIdentifier)
	strategy.skipWrite = true

	submitted, err := service.Submit(context.Background(), &fakeSource{ref: "hollow.mp4", uniqueID: "uid-hollow", content: []byte("x")}, Overrides{})
	require.NoError(t, err)

	drain(t, service)

	stored, _ := store.Get(context.Background(), submitted.ID)
	assert.Equal(t, job.Failed, stored.Status)
	assert.Equal(t, job.OutputMissing, *stored.ErrorKind)
}

func Test_Pipeline_DedupLedgerOutageDoesNotBlockSubmission(t *testing.T) {
	service, store, dedupeStub, _ := newTestService(t, dedupe.ModeIdentifier)
	dedupeStub.err = errors.New("ledger offline")

	submitted, err := service.Submit(context.Background(), &fakeSource{ref: "ok.mp4", uniqueID: "uid-ok", content: []byte("x")}, Overrides{})
	require.NoError(t, err)

	drain(t, service)

	stored, _ := store.Get(context.Background(), submitted.ID)
	assert.Equal(t, job.Done, stored.Status, "a ledger outage treats the content as new")
	assert.False(t, stored.Duplicate)
}

func Test_Work_SkipsAlreadyClaimedJob(t *testing.T) {
	service, store, _, _ := newTestService(t, dedupe.ModeIdentifier)

	submitted, err := service.Submit(context.Background(), &fakeSource{ref: "raced.mp4", uniqueID: "uid-race", content: []byte("x")}, Overrides{})
	require.NoError(t, err)

	// Simulate another worker having claimed the job first.
	claimed, err := store.ClaimQueued(context.Background(), submitted.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	didWork, err := service.work(nil)
	assert.True(t, didWork)
	assert.NoError(t, err)

	stored, _ := store.Get(context.Background(), submitted.ID)
	assert.Equal(t, job.Downloading, stored.Status, "the raced worker must not touch the job")
}
