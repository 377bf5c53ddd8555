package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateGateway,
		c.validateBluetooth,
		c.validateRemote,
		c.validateSync,
		c.validateStore,
		c.validateDiscovery,
		c.validateLogging,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateGateway() error {
	if _, _, err := net.SplitHostPort(c.Gateway.ListenAddr); err != nil {
		return fmt.Errorf("gateway.listen_addr %q: %w", c.Gateway.ListenAddr, err)
	}
	return nil
}

func (c *Config) validateBluetooth() error {
	b := c.Bluetooth
	switch b.Backend {
	case "bluez", "memory":
	default:
		return fmt.Errorf("bluetooth.backend must be bluez or memory, got %q", b.Backend)
	}
	for name, v := range map[string]string{
		"service_uuid": b.ServiceUUID,
		"write_uuid":   b.WriteUUID,
		"notify_uuid":  b.NotifyUUID,
	} {
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("bluetooth.%s %q: %w", name, v, err)
		}
	}
	if b.MTU < 23 || b.MTU > 517 {
		return fmt.Errorf("bluetooth.mtu must be between 23 and 517, got %d", b.MTU)
	}
	if b.MaxRetries < 0 {
		return errors.New("bluetooth.max_retries must not be negative")
	}
	for name, v := range map[string]int{
		"retry_delay_ms":        b.RetryDelayMS,
		"connect_timeout_ms":    b.ConnectTimeoutMS,
		"disconnect_timeout_ms": b.DisconnectTimeoutMS,
		"prune_interval_ms":     b.PruneIntervalMS,
		"freshness_ms":          b.FreshnessMS,
	} {
		if v <= 0 {
			return fmt.Errorf("bluetooth.%s must be positive", name)
		}
	}
	if b.SettleDelayMS < 0 {
		return errors.New("bluetooth.settle_delay_ms must not be negative")
	}
	return nil
}

func (c *Config) validateRemote() error {
	r := c.Remote
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("remote.port out of range: %d", r.Port)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("remote.path must start with /, got %q", r.Path)
	}
	if r.RetryIntervalSeconds <= 0 || r.KeepaliveSeconds <= 0 {
		return errors.New("remote.retry_interval_seconds and remote.keepalive_seconds must be positive")
	}
	return nil
}

func (c *Config) validateSync() error {
	if !c.Sync.Enabled {
		return nil
	}
	switch c.Sync.Role {
	case "responder":
		if strings.TrimSpace(c.Sync.ListenAddr) == "" {
			return errors.New("sync.listen_addr must be set for the responder role")
		}
	case "initiator":
		if strings.TrimSpace(c.Sync.Target) == "" {
			return errors.New("sync.target must be set for the initiator role")
		}
	default:
		return fmt.Errorf("sync.role must be responder or initiator, got %q", c.Sync.Role)
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Path == "" {
		return errors.New("store.path must be set")
	}
	if c.Store.RetentionHours < 0 {
		return errors.New("store.retention_hours must not be negative")
	}
	return nil
}

func (c *Config) validateDiscovery() error {
	if !c.Discovery.Enabled {
		return nil
	}
	if c.Discovery.DebounceMS <= 0 {
		return errors.New("discovery.debounce_ms must be positive")
	}
	if c.Discovery.Input == "" && c.Discovery.Output == "" {
		return errors.New("discovery.input or discovery.output must be set when discovery.enabled is true")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format must be auto, console or json, got %q", c.Logging.Format)
	}
	return nil
}
