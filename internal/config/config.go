package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.sessync/config.toml.
type Config struct {
	DefaultAccount string  `toml:"default_account"`
	Swarm          Swarm   `toml:"swarm"`
	Poll           Poll    `toml:"poll"`
	Push           Push    `toml:"push"`
	Storage        Storage `toml:"storage"`
	Log            Log     `toml:"log"`
}

// Swarm configures the relay client.
type Swarm struct {
	Address        string   `toml:"address"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Poll configures the pollers.
type Poll struct {
	Interval      Duration `toml:"interval"`
	GroupInterval Duration `toml:"group_interval"`
	MaxBackoff    Duration `toml:"max_backoff"`
	CycleTimeout  Duration `toml:"cycle_timeout"`
}

// Push configures outbound sends.
type Push struct {
	Timeout Duration `toml:"timeout"`
}

// Storage configures local persistence.
type Storage struct {
	SealDumps bool `toml:"seal_dumps"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used for unset keys.
func Default() *Config {
	return &Config{
		Swarm: Swarm{Address: "127.0.0.1:7070", RequestTimeout: Duration{10 * time.Second}},
		Poll: Poll{
			Interval:      Duration{5 * time.Second},
			GroupInterval: Duration{10 * time.Second},
			MaxBackoff:    Duration{2 * time.Minute},
			CycleTimeout:  Duration{30 * time.Second},
		},
		Push: Push{Timeout: Duration{15 * time.Second}},
		Log:  Log{Level: "info"},
	}
}

// Load reads config from the given path, filling unset keys with defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file is missing.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
