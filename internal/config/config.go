// Package config manages stepstore configuration. Settings live in a
// .stepstore.toml file discovered by walking up from the working directory.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ConfigFile is the name of the discovered configuration file
const ConfigFile = ".stepstore.toml"

// ErrNoConfig is returned by FindConfig when no file exists up to the root
var ErrNoConfig = errors.New("no " + ConfigFile + " found (or any parent up to root)")

// Config represents the stepstore configuration
type Config struct {
	Store   Store   `toml:"store"`
	Cache   Cache   `toml:"cache"`
	Codec   Codec   `toml:"codec"`
	Log     Log     `toml:"log"`
	Archive Archive `toml:"archive"`
	path    string  // file the config was loaded from
}

// Store controls how store files are opened
type Store struct {
	ReadOnly bool `toml:"readonly"`
	Silent   bool `toml:"silent"`
}

// Cache bounds the timestep cache
type Cache struct {
	Steps    int   `toml:"steps"`     // 0 disables caching
	MaxBytes int64 `toml:"max_bytes"` // 0 means unbounded
}

// Codec selects geometry record encoding
type Codec struct {
	Compression     string `toml:"compression"` // zstd, zlib or none
	Level           string `toml:"level"`       // fastest, default, better or best
	MinCompressSize int    `toml:"min_compress_size"`
	Compress        bool   `toml:"compress"`
	Delta           bool   `toml:"delta"`
}

// Log selects the log handler
type Log struct {
	Level  string `toml:"level"`  // debug, info, warn or error
	Format string `toml:"format"` // text or json
}

// Archive selects where backups are uploaded
type Archive struct {
	Driver    string `toml:"driver"` // fs or s3
	Root      string `toml:"root"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	PathStyle bool   `toml:"path_style"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Cache: Cache{Steps: 8},
		Codec: Codec{
			Compression:     "zstd",
			Level:           "default",
			MinCompressSize: 256,
			Compress:        true,
			Delta:           true,
		},
		Log:     Log{Level: "warn", Format: "text"},
		Archive: Archive{Driver: "fs", Root: "backups"},
	}
}

// FindConfig finds the config file by walking up from the current directory
func FindConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		path := filepath.Join(dir, ConfigFile)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoConfig
		}
		dir = parent
	}
}

// Load reads the configuration at path over the defaults. An empty path
// discovers the file with FindConfig; when none exists the defaults are
// returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		found, err := FindConfig()
		if errors.Is(err, ErrNoConfig) {
			return cfg, nil
		}
		if err != nil {
			return nil, err
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.path = path
	return cfg, cfg.Validate()
}

// Validate checks enumerated settings
func (c *Config) Validate() error {
	switch c.Codec.Compression {
	case "", "zstd", "zlib", "none", "raw":
	default:
		return fmt.Errorf("codec.compression: unknown value %q", c.Codec.Compression)
	}
	switch c.Archive.Driver {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("archive.driver: unknown value %q", c.Archive.Driver)
	}
	if c.Cache.Steps < 0 || c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache: limits must not be negative")
	}
	return nil
}

// Save writes the configuration to path, or to the file it was loaded from
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if path == "" {
		return fmt.Errorf("config has no file to save to")
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	c.path = path
	return nil
}

// Path returns the file the configuration was loaded from, if any
func (c *Config) Path() string {
	return c.path
}

// LogLevel converts the configured level name
func (l Log) LogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
