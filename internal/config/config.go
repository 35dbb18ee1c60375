package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort         = 8420
	DefaultStaticDir    = "./frontend/dist"
	DefaultSyncInterval = 10 * time.Second
	DefaultLogLevel     = "info"
)

// Config holds server configuration. Values come from the TOML file, then
// environment variables, then command line flags.
type Config struct {
	Port         int           `toml:"port"`
	DBPath       string        `toml:"db_path"`
	StaticDir    string        `toml:"static_dir"`
	SyncInterval time.Duration `toml:"sync_interval"`
	LogLevel     string        `toml:"log_level"`
}

// Dir returns the lifetracker config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lifetracker")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lifetracker")
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Port:         DefaultPort,
		DBPath:       filepath.Join(Dir(), "lifetracker.db"),
		StaticDir:    DefaultStaticDir,
		SyncInterval: DefaultSyncInterval,
		LogLevel:     DefaultLogLevel,
	}
}

// Load loads configuration from a file. A missing file is not an error: the
// defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Malformed values are
// ignored and the previous value is kept.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("STATIC_DIR"); v != "" {
		c.StaticDir = v
	}
	if v := getenv("SYNC_INTERVAL"); v != "" {
		if d, err := parseInterval(v); err == nil {
			c.SyncInterval = d
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// parseInterval accepts a Go duration ("15s") or a bare number of seconds.
func parseInterval(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %s", c.SyncInterval)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel into a slog level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Print writes cfg as TOML.
func Print(cfg *Config, w io.Writer) error {
	if _, err := fmt.Fprintln(w, "# lifetracker server configuration"); err != nil {
		return err
	}
	return toml.NewEncoder(w).Encode(cfg)
}
