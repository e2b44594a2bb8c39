// Package config loads settings from flags, PIXMATCH_* environment variables
// and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pixmatch/internal/match"
)

const (
	KeyStrength    = "strength"
	KeyExact       = "exact"
	KeyWorkers     = "workers"
	KeyTimeout     = "timeout"
	KeyDB          = "db"
	KeyNoCache     = "no-cache"
	KeyVerbose     = "verbose"
	KeyServePort   = "serve.port"
	KeyIdleTimeout = "serve.idle-timeout"
	KeyNoBrowser   = "serve.no-browser"
)

// EnvPrefix prefixes every environment variable, e.g. PIXMATCH_STRENGTH or
// PIXMATCH_SERVE_PORT.
const EnvPrefix = "PIXMATCH"

// Config is the validated runtime configuration
type Config struct {
	Strength    int
	Exact       bool
	Workers     int
	Timeout     time.Duration
	DBPath      string
	NoCache     bool
	Verbose     bool
	ServePort   int
	IdleTimeout time.Duration
	NoBrowser   bool

	// File is the config file that was read, if any.
	File string
}

// Policy returns the matching policy described by c.
func (c *Config) Policy() match.Policy {
	return match.Policy{Strength: c.Strength, Exact: c.Exact}
}

// DefaultDir is where the cache database and config file live by default.
func DefaultDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".pixmatch"
	}
	return filepath.Join(homeDir, ".pixmatch")
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	vp := viper.New()

	vp.SetDefault(KeyStrength, match.DefaultStrength)
	vp.SetDefault(KeyExact, false)
	vp.SetDefault(KeyWorkers, runtime.NumCPU())
	vp.SetDefault(KeyTimeout, 30*time.Second)
	vp.SetDefault(KeyDB, filepath.Join(DefaultDir(), "cache.db"))
	vp.SetDefault(KeyNoCache, false)
	vp.SetDefault(KeyVerbose, false)
	vp.SetDefault(KeyServePort, 8080)
	vp.SetDefault(KeyIdleTimeout, 5*time.Minute)
	vp.SetDefault(KeyNoBrowser, false)

	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vp.AutomaticEnv()

	return vp
}

// Load reads file (or the default config file when file is empty and one
// exists) into vp and returns the validated result.
func Load(vp *viper.Viper, file string) (*Config, error) {
	if file != "" {
		vp.SetConfigFile(file)
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		vp.SetConfigName("config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(DefaultDir())
		if err := vp.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Strength:    vp.GetInt(KeyStrength),
		Exact:       vp.GetBool(KeyExact),
		Workers:     vp.GetInt(KeyWorkers),
		Timeout:     vp.GetDuration(KeyTimeout),
		DBPath:      vp.GetString(KeyDB),
		NoCache:     vp.GetBool(KeyNoCache),
		Verbose:     vp.GetBool(KeyVerbose),
		ServePort:   vp.GetInt(KeyServePort),
		IdleTimeout: vp.GetDuration(KeyIdleTimeout),
		NoBrowser:   vp.GetBool(KeyNoBrowser),
		File:        vp.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges
func (c *Config) Validate() error {
	if c.Strength < match.MinStrength || c.Strength > match.MaxStrength {
		return fmt.Errorf("%w: got %d", match.ErrInvalidStrength, c.Strength)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", c.Timeout)
	}
	if c.ServePort < 0 || c.ServePort > 65535 {
		return fmt.Errorf("invalid port %d", c.ServePort)
	}
	return nil
}
