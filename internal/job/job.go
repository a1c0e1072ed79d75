// Package job defines the processing job record, its status state machine,
// and the PostgreSQL store for jobs and the content-record dedup ledger.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrubmedia/scrub/internal/engine"
	"github.com/scrubmedia/scrub/internal/region"
)

type Status string

const (
	Queued      Status = "queued"
	Downloading Status = "downloading"
	Processing  Status = "processing"
	Finalizing  Status = "finalizing"
	Done        Status = "done"
	Failed      Status = "failed"
)

// FailureKind categorizes why a job failed. The kind is stored next to the
// human-readable message so callers can react without string matching.
type FailureKind string

const (
	InputUnavailable      FailureKind = "input_unavailable"
	UnsupportedParameters FailureKind = "unsupported_parameters"
	SubprocessFailure     FailureKind = "subprocess_failure"
	DecodeFailure         FailureKind = "decode_failure"
	OutputMissing         FailureKind = "output_missing"
)

// maxErrorLength bounds the error message persisted on a failed job.
const maxErrorLength = 1000

// Job is the record of one processing request. A job is owned exclusively
// by the dispatcher for its lifetime; nothing else mutates it.
type Job struct {
	ID          uuid.UUID     `db:"id" json:"id"`
	SourceRef   string        `db:"source_ref" json:"source_ref"`
	IdentityKey string        `db:"identity_key" json:"identity_key"`
	InputPath   string        `db:"input_path" json:"-"`
	OutputPath  *string       `db:"output_path" json:"output_path"`
	Method      engine.Method `db:"method" json:"method"`
	RawParams   string        `db:"raw_params" json:"raw_params"`
	Rect        *region.Rect  `json:"rect"`
	Status      Status        `db:"status" json:"status"`
	Progress    int           `db:"progress" json:"progress"`
	Duplicate   bool          `db:"duplicate" json:"duplicate"`
	ErrorKind   *FailureKind  `db:"error_kind" json:"error_kind"`
	Error       *string       `db:"error_message" json:"error"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// ContentRecord is one entry of the duplicate-suppression ledger. Records
// are insert-once and permanent; FirstSeenJobID is a weak back-reference
// used for lookups only.
type ContentRecord struct {
	IdentityKey    string    `db:"identity_key" json:"identity_key"`
	FirstSeenJobID uuid.UUID `db:"first_seen_job_id" json:"first_seen_job_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

func New(sourceRef, identityKey string, method engine.Method, rawParams string) *Job {
	now := time.Now()
	return &Job{
		ID:          uuid.New(),
		SourceRef:   sourceRef,
		IdentityKey: identityKey,
		Method:      method,
		RawParams:   rawParams,
		Status:      Queued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s Status) Terminal() bool { return s == Done || s == Failed }

// CanTransition reports whether moving from this status to next is a legal
// state machine transition. Failed is reachable from every non-terminal
// state; Done is reachable from Finalizing, and directly from Queued or
// Downloading for the duplicate short-circuit.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}

	if next == Failed {
		return true
	}

	switch s {
	case Queued:
		return next == Downloading || next == Done
	case Downloading:
		return next == Processing || next == Done
	case Processing:
		return next == Finalizing
	case Finalizing:
		return next == Done
	}

	return false
}

// Transition moves the job to the next status, erroring if the state
// machine forbids it. UpdatedAt always advances; progress is reset on
// entering Processing and forced to 100 on Done.
func (j *Job) Transition(next Status) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("illegal job transition %s -> %s", j.Status, next)
	}

	j.Status = next
	j.UpdatedAt = time.Now()

	switch next {
	case Processing:
		j.Progress = 0
	case Done:
		j.Progress = 100
	}

	return nil
}

// Fail moves the job to Failed from any non-terminal state, recording the
// failure kind and a bounded copy of the message.
func (j *Job) Fail(kind FailureKind, message string) error {
	if err := j.Transition(Failed); err != nil {
		return err
	}

	if len(message) > maxErrorLength {
		message = message[len(message)-maxErrorLength:]
	}

	j.ErrorKind = &kind
	j.Error = &message
	return nil
}

// SetProgress raises the job's progress; it never decreases it.
func (j *Job) SetProgress(percent int) {
	if percent <= j.Progress {
		return
	}

	j.Progress = min(percent, 100)
	j.UpdatedAt = time.Now()
}

func (j *Job) String() string {
	return fmt.Sprintf("{job %s method=%s status=%s progress=%d%%}", j.ID, j.Method, j.Status, j.Progress)
}
