package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/geeluba/ai-blending-control-demo/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if exists {
		t.Fatal("config reported as present in an empty HOME")
	}
	if want := filepath.Join(home, ".config", "blendctl", "config.toml"); resolved != want {
		t.Fatalf("resolved = %q, want %q", resolved, want)
	}
	if want := filepath.Join(home, ".local", "share", "blendctl", "journal.db"); cfg.Store.Path != want {
		t.Fatalf("store path = %q", cfg.Store.Path)
	}
	if cfg.Remote.Port != 9877 || cfg.Remote.Path != "/remote" {
		t.Fatalf("remote = %+v", cfg.Remote)
	}
	if cfg.Bluetooth.MTU != 185 || cfg.Bluetooth.MaxRetries != 3 {
		t.Fatalf("bluetooth = %+v", cfg.Bluetooth)
	}
	if cfg.Bluetooth.DisconnectTimeout() != 2500*time.Millisecond || cfg.Remote.RetryInterval() != 5*time.Second {
		t.Fatal("duration helpers disagree with defaults")
	}
	if cfg.LockPath() != filepath.Join(home, ".local", "share", "blendctl", "daemon.lock") {
		t.Fatalf("lock path = %q", cfg.LockPath())
	}
}

func TestSampleConfigMatchesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("create sample: %v", err)
	}
	loaded, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if !exists {
		t.Fatal("sample not found")
	}

	def := config.Default()
	if loaded.Bluetooth != def.Bluetooth || loaded.Remote != def.Remote || loaded.Sync != def.Sync {
		t.Fatalf("sample drifted from defaults:\n%+v\n%+v", loaded, def)
	}
	if loaded.Logging != def.Logging || loaded.Gateway != def.Gateway {
		t.Fatalf("sample drifted from defaults: %+v", loaded)
	}
}

func TestLoadOverridesAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := map[string]any{
		"bluetooth": map[string]any{"backend": " Memory ", "mtu": 100},
		"sync":      map[string]any{"enabled": true, "role": "INITIATOR", "target": "10.0.0.2:9878"},
		"logging":   map[string]any{"level": "DEBUG", "format": "json"},
	}
	data, err := toml.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bluetooth.Backend != "memory" || cfg.Bluetooth.MTU != 100 {
		t.Fatalf("bluetooth = %+v", cfg.Bluetooth)
	}
	if cfg.Sync.Role != "initiator" || cfg.Logging.Level != "debug" {
		t.Fatalf("not normalized: %+v %+v", cfg.Sync, cfg.Logging)
	}
	if cfg.Bluetooth.ServiceUUID != config.Default().Bluetooth.ServiceUUID {
		t.Fatal("untouched key lost its default")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[bluetooth]\nmtuu = 100\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("typo accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"bad backend", func(c *config.Config) { c.Bluetooth.Backend = "usb" }, "bluetooth.backend"},
		{"bad uuid", func(c *config.Config) { c.Bluetooth.WriteUUID = "nope" }, "bluetooth.write_uuid"},
		{"tiny mtu", func(c *config.Config) { c.Bluetooth.MTU = 10 }, "bluetooth.mtu"},
		{"zero retry delay", func(c *config.Config) { c.Bluetooth.RetryDelayMS = 0 }, "retry_delay_ms"},
		{"bad port", func(c *config.Config) { c.Remote.Port = 70000 }, "remote.port"},
		{"relative path", func(c *config.Config) { c.Remote.Path = "remote" }, "remote.path"},
		{"initiator without target", func(c *config.Config) {
			c.Sync.Enabled = true
			c.Sync.Role = "initiator"
		}, "sync.target"},
		{"discovery without streams", func(c *config.Config) { c.Discovery.Enabled = true }, "discovery.input"},
		{"bad level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad listen addr", func(c *config.Config) { c.Gateway.ListenAddr = "8470" }, "gateway.listen_addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Store.Path = "/tmp/journal.db"
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tc.want)
			}
		})
	}

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}
