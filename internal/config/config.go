// Package config loads the spool configuration file.
//
// A configuration is YAML. Before parsing, an optional .env file next to the
// config is loaded into the environment and ${VAR} references are expanded.
// The expanded document is validated against an embedded CUE schema, then
// decoded over DefaultConfig so omitted keys keep their defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSrc string

// Config is the full spool configuration.
type Config struct {
	SDCard     SDCardConfig     `yaml:"sdcard"`
	Scripts    ScriptsConfig    `yaml:"scripts"`
	Database   DatabaseConfig   `yaml:"database"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Server     ServerConfig     `yaml:"server"`
	Output     OutputConfig     `yaml:"output"`
	Log        LogConfig        `yaml:"log"`
}

// SDCardConfig configures the print file directory and playback loop.
type SDCardConfig struct {
	Path              string        `yaml:"path"`
	ChunkSize         int           `yaml:"chunk_size"`
	ContentionBackoff time.Duration `yaml:"contention_backoff"`
}

// ScriptsConfig holds the scripts run around a print. Empty scripts are
// skipped.
type ScriptsConfig struct {
	Start   string `yaml:"start"`
	Resume  string `yaml:"resume"`
	End     string `yaml:"end"`
	OnError string `yaml:"on_error"`
}

// DatabaseConfig configures the job history database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CheckpointConfig configures power-loss checkpoints.
type CheckpointConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// ServerConfig configures the status server. An empty Listen disables it.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// OutputConfig names where unhandled commands are forwarded. Empty or "-"
// means stdout.
type OutputConfig struct {
	Device string `yaml:"device"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level   string `yaml:"level"`
	Journal bool   `yaml:"journal"`
	File    string `yaml:"file"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		SDCard: SDCardConfig{
			Path:              "gcodes",
			ChunkSize:         8192,
			ContentionBackoff: 100 * time.Millisecond,
		},
		Database: DatabaseConfig{Path: "spool.db"},
		Checkpoint: CheckpointConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
		Server: ServerConfig{Listen: "127.0.0.1:7125"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads the configuration at path. An empty path returns the defaults
// after loading .env from the working directory.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	envPath := ".env"
	if path != "" {
		envPath = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := loadDotEnv(envPath); err != nil {
		return cfg, fmt.Errorf("load %s: %w", envPath, err)
	}

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands, validates and decodes a YAML document into cfg. Keys the
// document omits are left unchanged.
func Parse(raw []byte, cfg *Config) error {
	expanded := []byte(os.ExpandEnv(string(raw)))

	var doc map[string]any
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if err := validate(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// validate checks doc against the embedded schema. Unknown keys are errors.
func validate(doc map[string]any) error {
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// loadDotEnv loads environment variables from path. Missing files are
// ignored; variables already set are not overridden.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
