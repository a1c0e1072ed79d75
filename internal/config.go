package internal

import (
	"fmt"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/scrubmedia/scrub/internal/api"
	"github.com/scrubmedia/scrub/internal/database"
	"github.com/scrubmedia/scrub/internal/dispatch"
	"github.com/scrubmedia/scrub/internal/engine"
	"github.com/scrubmedia/scrub/internal/retention"
)

// ScrubConfig is the user-supplied configuration, loaded from a YAML file
// with environment variable overrides.
type ScrubConfig struct {
	Engine    engine.Config           `yaml:"engine"`
	Database  database.DatabaseConfig `yaml:"database" env-required:"true"`
	Dispatch  dispatch.Config         `yaml:"dispatch"`
	Retention retention.Config        `yaml:"retention"`
	Rest      api.RestConfig          `yaml:"api"`

	// WorkDirPath is the root under which staged downloads and produced
	// outputs live. Defaults to ~/.scrub.
	WorkDirPath string `yaml:"work_dir" env:"WORK_DIR"`

	// DedupeMode is "identifier" or "hash"; see the dedupe package.
	DedupeMode string `yaml:"dedupe_mode" env:"DEDUPE_MODE" env-default:"identifier"`

	// DefaultMethod and DefaultParams seed the runtime settings store.
	DefaultMethod string `yaml:"default_method" env:"DEFAULT_METHOD" env-default:"filtergraph"`
	DefaultParams string `yaml:"default_params" env:"DEFAULT_PARAMS" env-default:"x=iw-160:y=ih-60:w=150:h=50"`
}

// LoadFromFile reads the YAML configuration at the given path, applying
// environment variable overrides on top.
func (config *ScrubConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	return nil
}

// getWorkDir resolves the working directory root, defaulting to a dot
// directory in the user's home.
func (config *ScrubConfig) getWorkDir() string {
	if config.WorkDirPath != "" {
		return config.WorkDirPath
	}

	home, err := homedir.Dir()
	if err != nil {
		panic(fmt.Sprintf("FAILURE to derive user home dir: %s", err))
	}

	return filepath.Join(home, ".scrub")
}

func (config *ScrubConfig) downloadDir() string {
	return filepath.Join(config.getWorkDir(), "download")
}

func (config *ScrubConfig) outputDir() string {
	return filepath.Join(config.getWorkDir(), "out")
}
