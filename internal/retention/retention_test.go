package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Sweep_DeletesOnlyExpiredFiles(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "old.mp4")
	fresh := filepath.Join(dir, "fresh.mp4")
	assert.NoError(t, os.WriteFile(old, []byte("stale"), 0644))
	assert.NoError(t, os.WriteFile(fresh, []byte("recent"), 0644))

	staleTime := time.Now().Add(-2 * time.Hour)
	assert.NoError(t, os.Chtimes(old, staleTime, staleTime))

	sweeper := New(Config{SweepIntervalMinutes: 60, MaxAgeMinutes: 60}, dir)
	deleted := sweeper.Sweep(time.Now())

	assert.Equal(t, 1, deleted)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func Test_Sweep_SkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	assert.NoError(t, os.Mkdir(sub, 0755))

	staleTime := time.Now().Add(-2 * time.Hour)
	assert.NoError(t, os.Chtimes(sub, staleTime, staleTime))

	sweeper := New(Config{SweepIntervalMinutes: 60, MaxAgeMinutes: 60}, dir)
	deleted := sweeper.Sweep(time.Now())

	assert.Zero(t, deleted)
	assert.DirExists(t, sub)
}

func Test_Sweep_ToleratesMissingDirectory(t *testing.T) {
	sweeper := New(Config{SweepIntervalMinutes: 60, MaxAgeMinutes: 60}, filepath.Join(t.TempDir(), "never-created"))

	assert.NotPanics(t, func() { sweeper.Sweep(time.Now()) })
}
