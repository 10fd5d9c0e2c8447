package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kvrt/internal/logger"
)

// Config represents the kvrt configuration file (~/.config/kvrt/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	StorePath string `yaml:"store_path"`

	// Context defaults
	ContextSize *int64 `yaml:"ctx_size"`
	Threads     *int64 `yaml:"threads"`
	Seed        *int64 `yaml:"seed"`
	Mmap        *bool  `yaml:"mmap"`
	Mlock       *bool  `yaml:"mlock"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	DecodeRate    *float64 `yaml:"decode_rate"`
	DecodeBurst   *int64   `yaml:"decode_burst"`
	MaxContexts   *int64   `yaml:"max_contexts"`
}

// fileConfig is loaded once by setup before any command runs.
var fileConfig Config

func configPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kvrt", "config.yaml")
}

// loadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyModelConfig applies config file defaults to the model and context
// flags that were not set on the command line.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Mmap != nil && !c.IsSet("no-mmap") {
		noMmap = !*cfg.Mmap
	}
	if cfg.Mlock != nil && !c.IsSet("mlock") {
		mlock = *cfg.Mlock
	}
	if cfg.ContextSize != nil && !c.IsSet("ctx-size") {
		contextSize = *cfg.ContextSize
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, decodeRate *float64, decodeBurst, maxContexts *int64) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.DecodeRate != nil && !c.IsSet("decode-rate") {
		*decodeRate = *cfg.DecodeRate
	}
	if cfg.DecodeBurst != nil && !c.IsSet("decode-burst") {
		*decodeBurst = *cfg.DecodeBurst
	}
	if cfg.MaxContexts != nil && !c.IsSet("max-contexts") {
		*maxContexts = *cfg.MaxContexts
	}
}

func applyStoreConfig(c *cli.Command, cfg Config, store *string) {
	if cfg.StorePath != "" && !c.IsSet("store") {
		*store = cfg.StorePath
	}
}

var (
	engineLogMu   sync.Mutex
	engineLogFile *os.File
)

// setup loads the config file and installs the process logger. Engine log
// lines go to --engine-log when it is set.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := loadConfig(configPath())
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	fileConfig = cfg

	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.Open(logFormat, os.Stderr, level)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	if engineLog != "" {
		f, err := os.OpenFile(engineLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return ctx, cli.Exit(fmt.Sprintf("error: open engine log: %v", err), 1)
		}
		engineLogFile = f
		logger.SetCallback(func(lvl logger.Level, msg string) {
			if lvl > logger.LevelOf(level) {
				return
			}
			engineLogMu.Lock()
			_, _ = fmt.Fprintf(engineLogFile, "%-5s %s\n", lvl, msg)
			engineLogMu.Unlock()
		})
	}
	return logger.WithContext(ctx, log), nil
}

// teardown detaches the engine log sink installed by setup.
func teardown(context.Context, *cli.Command) error {
	if engineLogFile == nil {
		return nil
	}
	logger.SetCallback(nil)
	engineLogMu.Lock()
	defer engineLogMu.Unlock()
	err := engineLogFile.Close()
	engineLogFile = nil
	return err
}
