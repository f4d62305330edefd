package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dsdb-io/dsdb/internal/dataset"
)

// Config is the yaml configuration file shape.
type Config struct {
	Database string `yaml:"database"`
	Files    string `yaml:"files"`
	User     string `yaml:"user"`
	Workers  int    `yaml:"workers"`
}

// LoadConfig reads and parses a yaml config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// DBOptions holds the flags every database-touching command shares.
// Flags override the config file field by field.
type DBOptions struct {
	*RootOptions
	Database string
	User     string
	Workers  int
}

// registerFlags adds the shared database flags to a command.
func (o *DBOptions) registerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&o.User, "user", "", "acting user (defaults to $USER)")
	cmd.Flags().IntVar(&o.Workers, "workers", 0, "worker pool size (defaults to CPU count)")
}

// open resolves config file and flags and opens the database handle.
// Also installs the default slog handler at the requested verbosity.
func (o *DBOptions) open(ctx context.Context) (*dataset.Database, error) {
	logLevel := slog.LevelInfo
	if o.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	cfg := &Config{}
	if o.Config != "" {
		loaded, err := LoadConfig(o.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.User != "" {
		cfg.User = o.User
	}
	if o.Workers > 0 {
		cfg.Workers = o.Workers
	}
	if cfg.Database == "" {
		return nil, WrapExitError(ExitCommandError, "no database configured", fmt.Errorf("pass --db or set database in the config file"))
	}

	db, err := dataset.Open(ctx, dataset.Config{
		Path:    cfg.Database,
		FileDir: cfg.Files,
		User:    cfg.User,
		Workers: cfg.Workers,
		Logger:  slog.Default(),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return db, nil
}

// cmdContext returns the command's context, falling back to
// context.Background for direct invocations.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
