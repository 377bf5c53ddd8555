// Package config loads the daemon configuration from TOML.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Gateway holds the local API settings.
type Gateway struct {
	ListenAddr string `toml:"listen_addr"`
}

// Bluetooth holds the short-range link settings.
type Bluetooth struct {
	// Backend is "bluez" for the system adapter or "memory" for a simulated radio.
	Backend             string `toml:"backend"`
	Adapter             string `toml:"adapter"`
	ServiceUUID         string `toml:"service_uuid"`
	WriteUUID           string `toml:"write_uuid"`
	NotifyUUID          string `toml:"notify_uuid"`
	MTU                 int    `toml:"mtu"`
	MaxRetries          int    `toml:"max_retries"`
	RetryDelayMS        int    `toml:"retry_delay_ms"`
	SettleDelayMS       int    `toml:"settle_delay_ms"`
	ConnectTimeoutMS    int    `toml:"connect_timeout_ms"`
	DisconnectTimeoutMS int    `toml:"disconnect_timeout_ms"`
	PruneIntervalMS     int    `toml:"prune_interval_ms"`
	FreshnessMS         int    `toml:"freshness_ms"`
	WatchHotplug        bool   `toml:"watch_hotplug"`
}

// Remote holds the projector remote-control client settings.
type Remote struct {
	Port                 int    `toml:"port"`
	Path                 string `toml:"path"`
	RetryIntervalSeconds int    `toml:"retry_interval_seconds"`
	KeepaliveSeconds     int    `toml:"keepalive_seconds"`
}

// Sync holds the optional socket sync link.
type Sync struct {
	Enabled    bool   `toml:"enabled"`
	Role       string `toml:"role"` // responder | initiator
	ListenAddr string `toml:"listen_addr"`
	Target     string `toml:"target"`
}

// Store holds the journal settings.
type Store struct {
	Path           string `toml:"path"`
	RetentionHours int    `toml:"retention_hours"`
}

// Discovery holds discovery-over-sound settings. Input and Output are raw
// s16le PCM streams, typically FIFOs.
type Discovery struct {
	Enabled    bool   `toml:"enabled"`
	DebounceMS int    `toml:"debounce_ms"`
	Input      string `toml:"input"`
	Output     string `toml:"output"`
}

// Logging holds log output settings.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // auto | console | json
}

// Config encapsulates every configuration value of the daemon.
type Config struct {
	Gateway   Gateway   `toml:"gateway"`
	Bluetooth Bluetooth `toml:"bluetooth"`
	Remote    Remote    `toml:"remote"`
	Sync      Sync      `toml:"sync"`
	Store     Store     `toml:"store"`
	Discovery Discovery `toml:"discovery"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path of the default config file.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load parses, normalizes and validates the config at path. An empty path
// means the default location. A missing file yields the defaults; the
// returned bool reports whether a file was read.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	if path == "" {
		path = defaultConfigPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return nil, "", false, err
	}

	exists := true
	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		exists = false
	case err != nil:
		return nil, "", false, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		dec := toml.NewDecoder(file)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

// CreateSample writes the sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// LockPath is the single-instance lock file kept next to the journal.
func (c *Config) LockPath() string {
	return filepath.Join(filepath.Dir(c.Store.Path), "daemon.lock")
}

func (c *Config) normalize() error {
	c.Bluetooth.Backend = strings.ToLower(strings.TrimSpace(c.Bluetooth.Backend))
	c.Bluetooth.ServiceUUID = strings.ToLower(strings.TrimSpace(c.Bluetooth.ServiceUUID))
	c.Bluetooth.WriteUUID = strings.ToLower(strings.TrimSpace(c.Bluetooth.WriteUUID))
	c.Bluetooth.NotifyUUID = strings.ToLower(strings.TrimSpace(c.Bluetooth.NotifyUUID))
	c.Sync.Role = strings.ToLower(strings.TrimSpace(c.Sync.Role))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	var err error
	if c.Store.Path, err = expandPath(c.Store.Path); err != nil {
		return err
	}
	for _, p := range []*string{&c.Discovery.Input, &c.Discovery.Output} {
		if *p, err = expandPath(*p); err != nil {
			return err
		}
	}
	return nil
}

// ms converts a millisecond setting.
func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (b Bluetooth) RetryDelay() time.Duration        { return ms(b.RetryDelayMS) }
func (b Bluetooth) SettleDelay() time.Duration       { return ms(b.SettleDelayMS) }
func (b Bluetooth) ConnectTimeout() time.Duration    { return ms(b.ConnectTimeoutMS) }
func (b Bluetooth) DisconnectTimeout() time.Duration { return ms(b.DisconnectTimeoutMS) }
func (b Bluetooth) PruneInterval() time.Duration     { return ms(b.PruneIntervalMS) }
func (b Bluetooth) Freshness() time.Duration         { return ms(b.FreshnessMS) }

func (r Remote) RetryInterval() time.Duration {
	return time.Duration(r.RetryIntervalSeconds) * time.Second
}

func (r Remote) Keepalive() time.Duration {
	return time.Duration(r.KeepaliveSeconds) * time.Second
}

func (s Store) Retention() time.Duration { return time.Duration(s.RetentionHours) * time.Hour }

func (d Discovery) Debounce() time.Duration { return ms(d.DebounceMS) }

func expandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if p == "~" {
			p = home
		} else if len(p) > 1 && p[1] == '/' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", p, err)
	}
	return abs, nil
}
