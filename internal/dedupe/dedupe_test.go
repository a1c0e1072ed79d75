package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) RegisterContent(ctx context.Context, identityKey string, jobID uuid.UUID) (bool, error) {
	args := m.Called(ctx, identityKey, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) PurgeContentLedger(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func Test_Register_FirstClaimWins(t *testing.T) {
	ledger := new(mockLedger)
	dedupe := New(ModeIdentifier, ledger)

	first, second := uuid.New(), uuid.New()
	ledger.On("RegisterContent", mock.Anything, "abc123", first).Return(true, nil).Once()
	ledger.On("RegisterContent", mock.Anything, "abc123", second).Return(false, nil).Once()

	fresh, err := dedupe.Register(context.Background(), "abc123", first)
	assert.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = dedupe.Register(context.Background(), "abc123", second)
	assert.NoError(t, err)
	assert.False(t, fresh)

	ledger.AssertExpectations(t)
}

func Test_Register_LedgerFailureIsSurfaced(t *testing.T) {
	ledger := new(mockLedger)
	dedupe := New(ModeHash, ledger)

	ledger.On("RegisterContent", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("connection reset"))

	_, err := dedupe.Register(context.Background(), "deadbeef", uuid.New())
	assert.Error(t, err)
}

func Test_Purge_ReportsDiscardedCount(t *testing.T) {
	ledger := new(mockLedger)
	dedupe := New(ModeIdentifier, ledger)

	ledger.On("PurgeContentLedger", mock.Anything).Return(int64(42), nil)

	purged, err := dedupe.Purge(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(42), purged)
}

func Test_HashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.bin")

	// Larger than one read chunk so the chunked path is exercised.
	content := make([]byte, 20_000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	assert.NoError(t, os.WriteFile(path, content, 0644))

	expected := sha256.Sum256(content)

	hash, err := HashFile(path)
	assert.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(expected[:]), hash)
}

func Test_HashFile_MissingFile(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope.bin"))
	assert.Error(t, err)
}

func Test_ParseMode(t *testing.T) {
	mode, err := ParseMode("identifier")
	assert.NoError(t, err)
	assert.Equal(t, ModeIdentifier, mode)

	mode, err = ParseMode("hash")
	assert.NoError(t, err)
	assert.Equal(t, ModeHash, mode)

	_, err = ParseMode("fuzzy")
	assert.Error(t, err)
}
