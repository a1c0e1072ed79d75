// Package retention reclaims disk space by deleting staged and produced
// media files once they age past a configurable threshold.
package retention

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/scrubmedia/scrub/pkg/logger"
)

type Config struct {
	// SweepIntervalMinutes is how often the sweeper wakes up.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes" env:"RETENTION_SWEEP_INTERVAL_MINUTES" env-default:"60"`

	// MaxAgeMinutes is the modification-time age past which a file is
	// eligible for deletion.
	MaxAgeMinutes int `yaml:"max_age_minutes" env:"RETENTION_MAX_AGE_MINUTES" env-default:"60"`
}

// Sweeper periodically walks the configured directories and removes files
// whose modification time is older than the retention threshold. Errors on
// individual files are logged and skipped; a sweep never aborts part-way.
type Sweeper struct {
	directories []string
	interval    time.Duration
	maxAge      time.Duration

	log logger.Logger
}

func New(config Config, directories ...string) *Sweeper {
	return &Sweeper{
		directories: directories,
		interval:    time.Duration(config.SweepIntervalMinutes) * time.Minute,
		maxAge:      time.Duration(config.MaxAgeMinutes) * time.Minute,
		log:         logger.Get("Retention"),
	}
}

// Run sweeps once immediately and then on every interval tick until the
// context is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	sweeper.log.Infof("Retention sweeper started (interval=%s, max age=%s)\n", sweeper.interval, sweeper.maxAge)

	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()

	sweeper.Sweep(time.Now())
	for {
		select {
		case <-ticker.C:
			sweeper.Sweep(time.Now())
		case <-ctx.Done():
			sweeper.log.Infof("Retention sweeper stopped\n")
			return nil
		}
	}
}

// Sweep removes every expired file under the sweeper's directories,
// returning the number of files deleted.
func (sweeper *Sweeper) Sweep(now time.Time) int {
	deadline := now.Add(-sweeper.maxAge)

	deleted := 0
	for _, dir := range sweeper.directories {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				sweeper.log.Warnf("Failed to read %s during sweep: %v\n", dir, err)
			}

			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}

			path := filepath.Join(dir, entry.Name())
			info, err := entry.Info()
			if err != nil {
				sweeper.log.Warnf("Failed to stat %s during sweep: %v\n", path, err)
				continue
			}

			if info.ModTime().After(deadline) {
				continue
			}

			if err := os.Remove(path); err != nil {
				sweeper.log.Warnf("Failed to delete expired file %s: %v\n", path, err)
				continue
			}

			deleted++
		}
	}

	if deleted > 0 {
		sweeper.log.Infof("Sweep complete, deleted %d expired file(s)\n", deleted)
	}

	return deleted
}
