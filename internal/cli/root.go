// Package cli implements the command-line interface for stepstore.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stepstore/internal/cache"
	"github.com/kilupskalvis/stepstore/internal/codec"
	"github.com/kilupskalvis/stepstore/internal/config"
	"github.com/kilupskalvis/stepstore/internal/model"
	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/kilupskalvis/stepstore/internal/store"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Logger *slog.Logger
	Model  *model.Model
	codec  *codec.Codec
}

// Store returns the store the model was loaded from
func (c *cmdContext) Store() *store.Store {
	return c.Model.Store()
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Model != nil {
		c.Model.Close()
	}
	if c.codec != nil {
		c.codec.Close()
	}
}

var (
	configPath string
	logLevel   string
	logFormat  string
)

// loadConfig reads the configuration and applies the logging flags
func loadConfig() (*config.Config, *slog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	opts := &slog.HandlerOptions{Level: cfg.Log.LogLevel()}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger
}

// newCodec builds the record codec selected by the configuration
func newCodec(cfg *config.Config) (*codec.Codec, error) {
	comp, err := codec.ParseCompression(cfg.Codec.Compression)
	if err != nil {
		return nil, err
	}
	return codec.New(
		codec.WithCompression(comp),
		codec.WithLevel(cfg.Codec.Level),
		codec.WithMinCompressSize(cfg.Codec.MinCompressSize),
	)
}

// initContext opens the store at path and loads a model over it. Write mode
// opens the store read-write and brings its schema up to date.
func initContext(path string, write bool) *cmdContext {
	cfg, logger := loadConfig()
	if write && cfg.Store.ReadOnly {
		exitError("store is configured read-only")
	}

	st, err := store.Open(path, store.WithWrite(write), store.WithSilent(cfg.Store.Silent), store.WithLogger(logger))
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	bg := context.Background()
	if write {
		if err := st.RunMigrations(bg); err != nil {
			st.Close()
			exitError("failed to run migrations: %v", err)
		}
	}

	cd, err := newCodec(cfg)
	if err != nil {
		st.Close()
		exitError("%v", err)
	}
	ch := cache.New(cfg.Cache.Steps, cache.WithMaxBytes(cfg.Cache.MaxBytes), cache.WithLogger(logger))
	m, err := model.New(st,
		model.WithCache(ch),
		model.WithCodec(cd),
		model.WithLogger(logger),
		model.WithDelta(cfg.Codec.Delta))
	if err != nil {
		st.Close()
		cd.Close()
		exitError("%v", err)
	}

	c := &cmdContext{Config: cfg, Logger: logger, Model: m, codec: cd}
	if err := m.Load(bg); err != nil {
		c.Close()
		exitError("failed to load %s: %v", path, err)
	}
	return c
}

var rootCmd = &cobra.Command{
	Use:   "stepstore",
	Short: "Timestep geometry store",
	Long: `stepstore inspects, exports, merges and backs up timestep geometry
stores: SQLite files holding per-step geometry records for the objects of a
visualisation model.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: discover "+config.ConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(stepsCmd)
	rootCmd.AddCommand(boundsCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(stateCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// findObject resolves an object name to its id; an empty name means every
// object
func findObject(m *model.Model, name string) models.ObjectID {
	if name == "" {
		return 0
	}
	obj, ok := m.FindObject(name)
	if !ok {
		exitError("no object named %q", name)
	}
	return obj.ID
}
