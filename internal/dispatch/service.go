// Package dispatch owns the job pipeline: accepting submissions, staging
// their content, suppressing duplicates, and driving each job through the
// removal engine to a terminal state. Jobs are processed by a pool of
// workers which claim queued jobs through a database compare-and-swap, so
// no job is ever processed twice.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/scrubmedia/scrub/internal/dedupe"
	"github.com/scrubmedia/scrub/internal/engine"
	"github.com/scrubmedia/scrub/internal/event"
	"github.com/scrubmedia/scrub/internal/job"
	"github.com/scrubmedia/scrub/internal/region"
	"github.com/scrubmedia/scrub/internal/settings"
	"github.com/scrubmedia/scrub/pkg/logger"
	"github.com/scrubmedia/scrub/pkg/worker"
)

var (
	ErrFileTooLarge   = errors.New("submitted file exceeds the maximum accepted size")
	ErrResultNotReady = errors.New("job has not produced a result")
)

type Config struct {
	WorkerCount int `yaml:"workers" env:"DISPATCH_WORKERS" env-default:"2"`

	// MaxFileSizeMB rejects submissions at the door; zero disables the
	// guard entirely.
	MaxFileSizeMB int `yaml:"max_file_size_mb" env:"DISPATCH_MAX_FILE_SIZE_MB" env-default:"512"`

	// DeleteDuplicateDownloads removes the staged copy of content that
	// turns out to be a duplicate, rather than leaving it for retention.
	DeleteDuplicateDownloads bool `yaml:"delete_duplicate_downloads" env:"DISPATCH_DELETE_DUPLICATE_DOWNLOADS" env-default:"true"`
}

// InputSource is one submission's content. Stage writes the content to a
// local path; it is called at most once per source.
type InputSource interface {
	// Ref is the human-meaningful name of the content (a filename).
	Ref() string

	// UniqueID is the source-supplied stable identifier used for
	// identifier-mode duplicate suppression.
	UniqueID() string

	// Size is the declared content size in bytes, or 0 when unknown.
	Size() int64

	Stage(ctx context.Context, dest string) error
}

// Overrides are the per-submission method/params, applied over the
// runtime defaults when non-nil.
type Overrides struct {
	Method *string
	Params *string
}

// Service is the dispatcher's consumer-facing surface.
type Service interface {
	Run(ctx context.Context) error
	Submit(ctx context.Context, source InputSource, overrides Overrides) (*job.Job, error)
	Job(ctx context.Context, id uuid.UUID) (*job.Job, error)
	Jobs(ctx context.Context) ([]*job.Job, error)
	Result(ctx context.Context, id uuid.UUID) (string, error)
}

// Store is the persistence the dispatcher relies on.
type Store interface {
	Save(ctx context.Context, j *job.Job) error
	Update(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
	GetAll(ctx context.Context) ([]*job.Job, error)
	ClaimQueued(ctx context.Context, id uuid.UUID) (bool, error)
	SetProgress(ctx context.Context, id uuid.UUID, percent int) error
}

// Deduplicator decides whether content has been seen before.
type Deduplicator interface {
	Mode() dedupe.Mode
	Register(ctx context.Context, identityKey string, jobID uuid.UUID) (bool, error)
}

type dispatcherService struct {
	config       Config
	engineConfig engine.Config
	downloadDir  string
	outputDir    string

	store    Store
	dedupe   Deduplicator
	settings *settings.Store
	eventBus event.EventDispatcher

	pool    *worker.WorkerPool
	queueMu sync.Mutex
	queue   []queuedItem

	// Seams for tests; production uses the engine package directly.
	newStrategy func(engine.Method, engine.Config) (engine.Strategy, error)
	probe       func(engine.Config, string) (*engine.MediaInfo, error)

	log logger.Logger
}

type queuedItem struct {
	jobID  uuid.UUID
	source InputSource
}

// New constructs the dispatcher service. The download and output
// directories are created eagerly so a misconfigured path fails at startup
// rather than on the first submission.
func New(
	config Config,
	engineConfig engine.Config,
	store Store,
	deduplicator Deduplicator,
	settingsStore *settings.Store,
	eventBus event.EventDispatcher,
	downloadDir string,
	outputDir string,
) (*dispatcherService, error) {
	for _, dir := range []string{downloadDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create working directory %s: %w", dir, err)
		}
	}

	service := &dispatcherService{
		config:       config,
		engineConfig: engineConfig,
		downloadDir:  downloadDir,
		outputDir:    outputDir,
		store:        store,
		dedupe:       deduplicator,
		settings:     settingsStore,
		eventBus:     eventBus,
		pool:         worker.NewWorkerPool(),
		newStrategy:  engine.New,
		probe:        engine.Probe,
		log:          logger.Get("Dispatch"),
	}

	for i := 0; i < max(config.WorkerCount, 1); i++ {
		label := fmt.Sprintf("dispatch-worker-%d", i)
		service.pool.PushWorker(worker.New(label, func(w worker.Worker) (bool, error) {
			return service.work(w)
		}))
	}

	return service, nil
}

// Run starts the worker pool and blocks until the context is cancelled.
func (service *dispatcherService) Run(ctx context.Context) error {
	if err := service.pool.Start(); err != nil {
		return fmt.Errorf("failed to start dispatch workers: %w", err)
	}

	service.log.Infof("Dispatcher running with %d worker(s)\n", max(service.config.WorkerCount, 1))

	<-ctx.Done()
	service.pool.Close()
	return nil
}

// Submit validates and records a new job, then queues it for processing.
// In identifier dedup mode, content seen before short-circuits straight to
// Done without any download or processing.
func (service *dispatcherService) Submit(ctx context.Context, source InputSource, overrides Overrides) (*job.Job, error) {
	if limit := int64(service.config.MaxFileSizeMB) * 1024 * 1024; limit > 0 && source.Size() > limit {
		return nil, fmt.Errorf("%w: %d bytes declared, limit is %d", ErrFileTooLarge, source.Size(), limit)
	}

	defaults := service.settings.Current()
	method := defaults.Method
	params := defaults.Params
	if overrides.Method != nil {
		parsed, err := engine.ParseMethod(*overrides.Method)
		if err != nil {
			return nil, err
		}

		method = parsed
	}
	if overrides.Params != nil {
		params = *overrides.Params
	}

	newJob := job.New(source.Ref(), source.UniqueID(), method, params)
	if err := service.store.Save(ctx, newJob); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	service.log.Infof("Accepted submission %s as %s (defaults v%d)\n", source.Ref(), newJob, defaults.Version)

	if service.dedupe.Mode() == dedupe.ModeIdentifier {
		fresh, err := service.dedupe.Register(ctx, newJob.IdentityKey, newJob.ID)
		if err != nil {
			// A ledger outage must not wedge submissions; the job
			// proceeds as if new.
			service.log.Warnf("Dedup check for %s failed, treating as new content: %v\n", newJob.ID, err)
		} else if !fresh {
			service.completeDuplicate(ctx, newJob)
			return newJob, nil
		}
	}

	service.enqueue(newJob.ID, source)
	service.eventBus.Dispatch(event.JobUpdateEvent, newJob.ID)
	return newJob, nil
}

// Job returns the current state of a job by ID.
func (service *dispatcherService) Job(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return service.store.Get(ctx, id)
}

// Jobs returns every known job, oldest first.
func (service *dispatcherService) Jobs(ctx context.Context) ([]*job.Job, error) {
	return service.store.GetAll(ctx)
}

// Result returns the output path of a completed job. Duplicates complete
// without an output; asking for their result is an error.
func (service *dispatcherService) Result(ctx context.Context, id uuid.UUID) (string, error) {
	j, err := service.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	if j.Status != job.Done || j.OutputPath == nil {
		return "", fmt.Errorf("%w: job is %s", ErrResultNotReady, j.Status)
	}

	return *j.OutputPath, nil
}

func (service *dispatcherService) enqueue(id uuid.UUID, source InputSource) {
	service.queueMu.Lock()
	service.queue = append(service.queue, queuedItem{jobID: id, source: source})
	service.queueMu.Unlock()

	service.pool.WakeupWorkers()
}

func (service *dispatcherService) dequeue() (queuedItem, bool) {
	service.queueMu.Lock()
	defer service.queueMu.Unlock()

	if len(service.queue) == 0 {
		return queuedItem{}, false
	}

	item := service.queue[0]
	service.queue = service.queue[1:]
	return item, true
}

// work is the task each pool worker loops. It claims the next queued job
// via a database compare-and-swap so a job enqueued twice (or raced by
// another worker) is only ever processed once.
func (service *dispatcherService) work(w worker.Worker) (bool, error) {
	item, ok := service.dequeue()
	if !ok {
		return false, nil
	}

	ctx := context.Background()
	claimed, err := service.store.ClaimQueued(ctx, item.jobID)
	if err != nil {
		return true, fmt.Errorf("failed to claim job %s: %w", item.jobID, err)
	}
	if !claimed {
		service.log.Debugf("Job %s no longer claimable, skipping\n", item.jobID)
		return true, nil
	}

	j, err := service.store.Get(ctx, item.jobID)
	if err != nil {
		return true, fmt.Errorf("failed to load claimed job %s: %w", item.jobID, err)
	}

	service.process(ctx, j, item.source)
	return true, nil
}

// process drives one claimed job (already Downloading) to a terminal
// state. Every failure path lands in fail(), so a job never gets stuck in
// an intermediate status.
func (service *dispatcherService) process(ctx context.Context, j *job.Job, source InputSource) {
	service.eventBus.Dispatch(event.JobUpdateEvent, j.ID)

	// Stage.
	j.InputPath = service.stagingPath(j)
	if err := source.Stage(ctx, j.InputPath); err != nil {
		service.fail(ctx, j, job.InputUnavailable, fmt.Sprintf("failed to stage input: %v", err))
		return
	}

	// Hash-mode dedup needs the bytes on disk first.
	if service.dedupe.Mode() == dedupe.ModeHash {
		hash, err := dedupe.HashFile(j.InputPath)
		if err != nil {
			service.log.Warnf("Failed to hash %s, treating as new content: %v\n", j.InputPath, err)
		} else {
			j.IdentityKey = hash
			fresh, err := service.dedupe.Register(ctx, hash, j.ID)
			if err != nil {
				service.log.Warnf("Dedup check for %s failed, treating as new content: %v\n", j.ID, err)
			} else if !fresh {
				if service.config.DeleteDuplicateDownloads {
					if err := os.Remove(j.InputPath); err != nil {
						service.log.Warnf("Failed to delete duplicate download %s: %v\n", j.InputPath, err)
					}
				}

				service.completeDuplicate(ctx, j)
				return
			}
		}
	}

	if err := service.transition(ctx, j, job.Processing); err != nil {
		return
	}

	// The overlay region resolves against the actual frame size.
	info, err := service.probe(service.engineConfig, j.InputPath)
	if err != nil {
		service.fail(ctx, j, job.DecodeFailure, fmt.Sprintf("failed to probe staged input: %v", err))
		return
	}

	rect := region.Resolve(j.RawParams, info.Width, info.Height)
	j.Rect = &rect
	if err := service.store.Update(ctx, j); err != nil {
		service.log.Errorf("Failed to persist resolved region for %s: %v\n", j.ID, err)
	}

	strategy, err := service.newStrategy(j.Method, service.engineConfig)
	if err != nil {
		service.fail(ctx, j, job.UnsupportedParameters, err.Error())
		return
	}

	outputPath := service.outputPath(j)
	reporter := engine.NewProgressReporter(func(percent int) {
		j.SetProgress(percent)
		if err := service.store.SetProgress(ctx, j.ID, percent); err != nil {
			service.log.Warnf("Failed to persist progress for %s: %v\n", j.ID, err)
		}

		service.eventBus.Dispatch(event.JobProgressEvent, j.ID)
	})

	service.log.Infof("Processing %s with region %s\n", j, rect)
	if err := strategy.Process(ctx, j.InputPath, rect, outputPath, reporter.Report); err != nil {
		service.removePartialOutput(outputPath)
		service.fail(ctx, j, failureKindOf(err), err.Error())
		return
	}

	if err := service.transition(ctx, j, job.Finalizing); err != nil {
		return
	}

	stat, err := os.Stat(outputPath)
	if err != nil || stat.Size() == 0 {
		service.removePartialOutput(outputPath)
		service.fail(ctx, j, job.OutputMissing, fmt.Sprintf("processing reported success but output %s is missing or empty", outputPath))
		return
	}

	j.OutputPath = &outputPath
	if err := service.transition(ctx, j, job.Done); err != nil {
		return
	}

	service.log.Infof("Completed %s -> %s\n", j.ID, outputPath)
	service.eventBus.Dispatch(event.JobCompleteEvent, j.ID)
}

// completeDuplicate short-circuits a job whose content has been seen
// before: it is marked Done immediately, flagged as a duplicate, and never
// processed.
func (service *dispatcherService) completeDuplicate(ctx context.Context, j *job.Job) {
	j.Duplicate = true
	if err := j.Transition(job.Done); err != nil {
		service.log.Errorf("Failed to short-circuit duplicate %s: %v\n", j.ID, err)
		return
	}

	if err := service.store.Update(ctx, j); err != nil {
		service.log.Errorf("Failed to persist duplicate completion for %s: %v\n", j.ID, err)
	}

	service.log.Infof("Job %s is a duplicate submission, completed without processing\n", j.ID)
	service.eventBus.Dispatch(event.JobUpdateEvent, j.ID)
	service.eventBus.Dispatch(event.JobCompleteEvent, j.ID)
}

func (service *dispatcherService) transition(ctx context.Context, j *job.Job, next job.Status) error {
	if err := j.Transition(next); err != nil {
		service.log.Errorf("Refusing transition for %s: %v\n", j.ID, err)
		return err
	}

	if err := service.store.Update(ctx, j); err != nil {
		service.log.Errorf("Failed to persist %s transition for %s: %v\n", next, j.ID, err)
	}

	service.eventBus.Dispatch(event.JobUpdateEvent, j.ID)
	return nil
}

func (service *dispatcherService) fail(ctx context.Context, j *job.Job, kind job.FailureKind, message string) {
	service.log.Errorf("Job %s failed (%s): %s\n", j.ID, kind, message)

	if err := j.Fail(kind, message); err != nil {
		service.log.Errorf("Failed to mark %s failed: %v\n", j.ID, err)
		return
	}

	if err := service.store.Update(ctx, j); err != nil {
		service.log.Errorf("Failed to persist failure of %s: %v\n", j.ID, err)
	}

	service.eventBus.Dispatch(event.JobUpdateEvent, j.ID)
	service.eventBus.Dispatch(event.JobCompleteEvent, j.ID)
}

// removePartialOutput discards whatever a failed run left behind so a
// Failed job never references a half-written artifact.
func (service *dispatcherService) removePartialOutput(outputPath string) {
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		service.log.Warnf("Failed to remove partial output %s: %v\n", outputPath, err)
	}
}

func (service *dispatcherService) stagingPath(j *job.Job) string {
	ext := filepath.Ext(j.SourceRef)
	if ext == "" {
		ext = ".bin"
	}

	return filepath.Join(service.downloadDir, j.ID.String()+ext)
}

func (service *dispatcherService) outputPath(j *job.Job) string {
	stem := strings.TrimSuffix(filepath.Base(j.SourceRef), filepath.Ext(j.SourceRef))
	if stem == "" || stem == "." {
		stem = j.ID.String()
	}

	return filepath.Join(service.outputDir, fmt.Sprintf("%s_processed.mp4", stem))
}

// failureKindOf maps an engine error to the failure taxonomy.
func failureKindOf(err error) job.FailureKind {
	var subprocessErr *engine.SubprocessError
	if errors.As(err, &subprocessErr) {
		return job.SubprocessFailure
	}

	var decodeErr *engine.DecodeError
	if errors.As(err, &decodeErr) {
		return job.DecodeFailure
	}

	return job.SubprocessFailure
}
