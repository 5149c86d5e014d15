// Package config loads benchduo settings from a TOML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Readiness ReadinessConfig `toml:"readiness"`
	Duo       DuoConfig       `toml:"duo"`
	Batch     BatchConfig     `toml:"batch"`
	Compat    CompatConfig    `toml:"compat"`
}

type ServerConfig struct {
	Port int `toml:"port"`
	// Token protects the HTTP API; empty disables auth (local use).
	Token string `toml:"token"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type ReadinessConfig struct {
	// RefreshCron is a robfig/cron spec for the background readiness sweep.
	RefreshCron   string   `toml:"refresh_cron"`
	ProbeInterval duration `toml:"probe_interval"`
	LoadTimeout   duration `toml:"load_timeout"`
}

type DuoConfig struct {
	TurnTimeout     duration `toml:"turn_timeout"`
	DefaultMaxTurns int      `toml:"default_max_turns"`
}

type BatchConfig struct {
	MaxConcurrency int `toml:"max_concurrency"`
}

type CompatConfig struct {
	// Strict requires both agents of a duo to run on the same engine kind.
	Strict bool `toml:"strict"`
}

// duration makes time.Duration TOML-decodable from strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Readiness: ReadinessConfig{
			RefreshCron:   "@every 30s",
			ProbeInterval: duration{5 * time.Second},
			LoadTimeout:   duration{60 * time.Second},
		},
		Duo: DuoConfig{
			TurnTimeout:     duration{5 * time.Minute},
			DefaultMaxTurns: 10,
		},
		Batch: BatchConfig{
			MaxConcurrency: 1,
		},
		Compat: CompatConfig{
			Strict: true,
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "benchduo-data"
		}
	}
	return filepath.Join(dir, "benchduo")
}

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "benchduo", "config.toml")
}

// Load reads configuration from $XDG_CONFIG_HOME/benchduo/config.toml (a
// missing file just means defaults) and applies BENCHDUO_* environment
// overrides on top.
func Load() (Config, error) {
	return loadFromPath(defaultConfigPath())
}

func loadFromPath(path string) (Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BENCHDUO_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BENCHDUO_PORT %q: %w", v, err)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("BENCHDUO_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("BENCHDUO_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("BENCHDUO_REFRESH_CRON"); v != "" {
		cfg.Readiness.RefreshCron = v
	}
	if v := os.Getenv("BENCHDUO_PROBE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid BENCHDUO_PROBE_INTERVAL %q: %w", v, err)
		}
		cfg.Readiness.ProbeInterval = duration{d}
	}
	if v := os.Getenv("BENCHDUO_TURN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid BENCHDUO_TURN_TIMEOUT %q: %w", v, err)
		}
		cfg.Duo.TurnTimeout = duration{d}
	}
	if v := os.Getenv("BENCHDUO_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BENCHDUO_MAX_CONCURRENCY %q: %w", v, err)
		}
		cfg.Batch.MaxConcurrency = n
	}
	if v := os.Getenv("BENCHDUO_COMPAT_STRICT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BENCHDUO_COMPAT_STRICT %q: %w", v, err)
		}
		cfg.Compat.Strict = b
	}
	return nil
}

func (c Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Batch.MaxConcurrency < 1 {
		return fmt.Errorf("batch max_concurrency must be >= 1, got %d", c.Batch.MaxConcurrency)
	}
	if c.Duo.DefaultMaxTurns < 1 {
		return fmt.Errorf("duo default_max_turns must be >= 1, got %d", c.Duo.DefaultMaxTurns)
	}
	return nil
}
