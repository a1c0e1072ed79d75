// Package dedupe decides whether submitted content has been seen before.
// The decision is delegated to a persistent ledger keyed on an identity
// string: either the source's own stable identifier, or a content hash of
// the downloaded bytes, depending on the configured mode.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/scrubmedia/scrub/pkg/logger"
)

var log = logger.Get("Dedupe")

const hashChunkSize = 8 * 1024

// Mode selects when and from what the identity key is derived.
type Mode string

const (
	// ModeIdentifier keys the ledger on the source-supplied unique ID,
	// allowing duplicates to be rejected before any download happens.
	ModeIdentifier Mode = "identifier"

	// ModeHash keys the ledger on a sha256 of the downloaded bytes, so
	// re-uploads of identical content are caught even across sources.
	ModeHash Mode = "hash"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeIdentifier, ModeHash:
		return Mode(raw), nil
	}

	return "", fmt.Errorf("unknown dedupe mode %q", raw)
}

// Ledger is the persistence the deduplicator records identities in.
// Register must be atomic: of N concurrent calls with the same key,
// exactly one observes 'true'.
type Ledger interface {
	RegisterContent(ctx context.Context, identityKey string, jobID uuid.UUID) (bool, error)
	PurgeContentLedger(ctx context.Context) (int64, error)
}

type Deduplicator struct {
	mode   Mode
	ledger Ledger
}

func New(mode Mode, ledger Ledger) *Deduplicator {
	return &Deduplicator{mode: mode, ledger: ledger}
}

func (dedupe *Deduplicator) Mode() Mode { return dedupe.mode }

// Register claims the identity key for the given job. It returns true if
// the content is new, false if an earlier job already claimed it. A ledger
// failure is surfaced to the caller; the pipeline treats it as 'not a
// duplicate' rather than stalling the job.
func (dedupe *Deduplicator) Register(ctx context.Context, identityKey string, jobID uuid.UUID) (bool, error) {
	fresh, err := dedupe.ledger.RegisterContent(ctx, identityKey, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to register content identity: %w", err)
	}

	if !fresh {
		log.Debugf("Identity %s already present in ledger, job %s is a duplicate\n", identityKey, jobID)
	}

	return fresh, nil
}

// Purge empties the ledger, after which all content is considered new
// again. Returns the number of identities discarded.
func (dedupe *Deduplicator) Purge(ctx context.Context) (int64, error) {
	purged, err := dedupe.ledger.PurgeContentLedger(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge content ledger: %w", err)
	}

	log.Infof("Content ledger purged (%d identities discarded)\n", purged)
	return purged, nil
}

// HashFile computes the sha256 of the file at the given path, reading in
// fixed-size chunks so arbitrarily large files hash in constant memory.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer file.Close()

	digest := sha256.New()
	if _, err := io.CopyBuffer(digest, file, make([]byte, hashChunkSize)); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}
