package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/scrubmedia/scrub/internal/engine"
	"github.com/scrubmedia/scrub/internal/region"
)

var ErrJobNotFound = errors.New("no job found")

// Store persists jobs and content records to PostgreSQL. All mutation of a
// job row goes through the dispatcher which owns the job, with the two
// exceptions that need stronger guarantees from the database itself:
// ClaimQueued (compare-and-swap) and RegisterContent (unique-index insert).
type Store struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// jobRow is the flat database representation of a Job. The resolved
// rectangle is stored as four nullable columns.
type jobRow struct {
	ID          uuid.UUID      `db:"id"`
	SourceRef   string         `db:"source_ref"`
	IdentityKey string         `db:"identity_key"`
	InputPath   string         `db:"input_path"`
	OutputPath  sql.NullString `db:"output_path"`
	Method      string         `db:"method"`
	RawParams   string         `db:"raw_params"`
	RectX       sql.NullInt32  `db:"rect_x"`
	RectY       sql.NullInt32  `db:"rect_y"`
	RectW       sql.NullInt32  `db:"rect_w"`
	RectH       sql.NullInt32  `db:"rect_h"`
	Status      string         `db:"status"`
	Progress    int            `db:"progress"`
	Duplicate   bool           `db:"duplicate"`
	ErrorKind   sql.NullString `db:"error_kind"`
	ErrorMsg    sql.NullString `db:"error_message"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (row *jobRow) toJob() *Job {
	j := &Job{
		ID:          row.ID,
		SourceRef:   row.SourceRef,
		IdentityKey: row.IdentityKey,
		InputPath:   row.InputPath,
		Method:      engine.Method(row.Method),
		RawParams:   row.RawParams,
		Status:      Status(row.Status),
		Progress:    row.Progress,
		Duplicate:   row.Duplicate,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}

	if row.OutputPath.Valid {
		j.OutputPath = &row.OutputPath.String
	}
	if row.ErrorKind.Valid {
		kind := FailureKind(row.ErrorKind.String)
		j.ErrorKind = &kind
	}
	if row.ErrorMsg.Valid {
		j.Error = &row.ErrorMsg.String
	}
	if row.RectX.Valid && row.RectY.Valid && row.RectW.Valid && row.RectH.Valid {
		j.Rect = &region.Rect{
			X: int(row.RectX.Int32),
			Y: int(row.RectY.Int32),
			W: int(row.RectW.Int32),
			H: int(row.RectH.Int32),
		}
	}

	return j
}

func rectColumns(rect *region.Rect) (x, y, w, h any) {
	if rect == nil {
		return nil, nil, nil, nil
	}

	return rect.X, rect.Y, rect.W, rect.H
}

func (store *Store) Save(ctx context.Context, j *Job) error {
	rx, ry, rw, rh := rectColumns(j.Rect)
	query := store.builder.
		Insert("jobs").
		Columns(
			"id", "source_ref", "identity_key", "input_path", "output_path",
			"method", "raw_params", "rect_x", "rect_y", "rect_w", "rect_h",
			"status", "progress", "duplicate", "error_kind", "error_message",
			"created_at", "updated_at",
		).
		Values(
			j.ID, j.SourceRef, j.IdentityKey, j.InputPath, j.OutputPath,
			string(j.Method), j.RawParams, rx, ry, rw, rh,
			string(j.Status), j.Progress, j.Duplicate, j.ErrorKind, j.Error,
			j.CreatedAt, j.UpdatedAt,
		)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return err
	}

	_, err = store.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// Update writes back every dispatcher-mutable field of the job. The row's
// updated_at mirrors the in-memory job so readers observe each mutation.
func (store *Store) Update(ctx context.Context, j *Job) error {
	sqlStr, args, err := store.updateQuery(j).ToSql()
	if err != nil {
		return err
	}

	res, err := store.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}

	return nil
}

// updateQuery builds the column set Update writes. The identity key is
// included because hash-mode deduplication rewrites it after staging.
func (store *Store) updateQuery(j *Job) sq.UpdateBuilder {
	rx, ry, rw, rh := rectColumns(j.Rect)
	return store.builder.
		Update("jobs").
		Set("identity_key", j.IdentityKey).
		Set("input_path", j.InputPath).
		Set("output_path", j.OutputPath).
		Set("rect_x", rx).
		Set("rect_y", ry).
		Set("rect_w", rw).
		Set("rect_h", rh).
		Set("status", string(j.Status)).
		Set("progress", j.Progress).
		Set("duplicate", j.Duplicate).
		Set("error_kind", j.ErrorKind).
		Set("error_message", j.Error).
		Set("updated_at", j.UpdatedAt).
		Where(sq.Eq{"id": j.ID})
}

func (store *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	sqlStr, args, err := store.builder.
		Select("*").From("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}

	var row jobRow
	if err := store.db.GetContext(ctx, &row, sqlStr, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}

		return nil, err
	}

	return row.toJob(), nil
}

func (store *Store) GetAll(ctx context.Context) ([]*Job, error) {
	sqlStr, args, err := store.builder.
		Select("*").From("jobs").OrderBy("created_at ASC").ToSql()
	if err != nil {
		return nil, err
	}

	var rows []jobRow
	if err := store.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, err
	}

	jobs := make([]*Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}

	return jobs, nil
}

// ClaimQueued atomically moves a job from Queued to Downloading. The
// returned bool is false when the job was already claimed (or is no longer
// queued), which callers must treat as "someone else owns it".
func (store *Store) ClaimQueued(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := store.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(Downloading), id, string(Queued))
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// SetProgress raises the persisted progress of a job. GREATEST keeps the
// column monotonic even if callbacks are delivered out of order.
func (store *Store) SetProgress(ctx context.Context, id uuid.UUID, percent int) error {
	_, err := store.db.ExecContext(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $1), updated_at = now() WHERE id = $2`,
		percent, id)
	return err
}

// RegisterContent inserts an identity key into the dedup ledger. The unique
// index on identity_key makes check-and-register a single atomic operation:
// the returned bool is true when the key was new (registered), false when a
// record already existed (duplicate submission).
func (store *Store) RegisterContent(ctx context.Context, identityKey string, firstSeenJobID uuid.UUID) (bool, error) {
	res, err := store.db.ExecContext(ctx,
		`INSERT INTO content_records (identity_key, first_seen_job_id)
		 VALUES ($1, $2)
		 ON CONFLICT (identity_key) DO NOTHING`,
		identityKey, firstSeenJobID)
	if err != nil {
		return false, fmt.Errorf("failed to register content record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// PurgeContentLedger explicitly deletes every content record, allowing
// previously-seen media to be submitted again. Records are otherwise
// permanent.
func (store *Store) PurgeContentLedger(ctx context.Context) (int64, error) {
	res, err := store.db.ExecContext(ctx, `DELETE FROM content_records`)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
