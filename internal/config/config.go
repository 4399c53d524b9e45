package config

import (
	"errors"
	"fmt"
)

// Config holds app configuration
type Config struct {
	// SaveDir is where rebuilt archives are stored as named save entries
	SaveDir string `mapstructure:"save_dir"`

	// Compress stores save entries as zstd streams. Compressed entries
	// are not seekable, so they are written from a finished plain save.
	Compress bool `mapstructure:"compress"`

	InputFile string `mapstructure:"input"`
	SaveName  string `mapstructure:"output"`
	EditsFile string `mapstructure:"edits"`

	// FullRebuild re-encodes every resource with a decoded model instead
	// of only the edited ones
	FullRebuild bool `mapstructure:"full_rebuild"`

	DryRun       bool   `mapstructure:"dry_run"`
	LogLevel     string `mapstructure:"log_level"`
	LogOutputDir string `mapstructure:"log_output_dir"`
	JSON         bool   `mapstructure:"json"`
}

// ErrMissingOption is returned when a required option has no value.
var ErrMissingOption = errors.New("missing required option")

// ValidateRebuild checks the options the rebuild command needs.
func (c *Config) ValidateRebuild() error {
	if c.InputFile == "" {
		return fmt.Errorf("%w: input", ErrMissingOption)
	}
	if c.SaveName == "" && !c.DryRun {
		return fmt.Errorf("%w: output", ErrMissingOption)
	}
	if c.SaveDir == "" && !c.DryRun {
		return fmt.Errorf("%w: save_dir", ErrMissingOption)
	}
	return nil
}
