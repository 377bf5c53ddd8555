package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/config"
	"github.com/geeluba/ai-blending-control-demo/internal/discovery"
	"github.com/geeluba/ai-blending-control-demo/internal/gateway"
	"github.com/geeluba/ai-blending-control-demo/internal/store"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log, err := ctx.logger()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
			lock := flock.New(cfg.LockPath())
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another controller holds %s", cfg.LockPath())
			}
			defer lock.Unlock() //nolint:errcheck

			db, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}

			radio, closeRadio, err := openRadio(cfg, log)
			if err != nil {
				return err
			}

			gw, err := gateway.New(cfg, db, radio, log, soundOptions(cfg)...)
			if err != nil {
				return multierr.Append(err, closeRadio())
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("blendctl: starting",
				zap.String("config", ctx.configPath),
				zap.String("store", cfg.Store.Path),
				zap.String("session", db.Session()),
				zap.String("backend", cfg.Bluetooth.Backend),
			)
			if err := gw.Start(runCtx); err != nil {
				return multierr.Append(err, closeRadio())
			}
			log.Info("blendctl: stopped")
			return closeRadio()
		},
	}
}

// soundOptions picks the sound codec. Only the memory backend has one: its
// framed-text codec pairs with simulated projectors, and real hardware has
// no acoustic modem yet, so the gateway leaves discovery off there.
func soundOptions(cfg *config.Config) []gateway.Option {
	if !cfg.Discovery.Enabled || cfg.Bluetooth.Backend != "memory" {
		return nil
	}
	return []gateway.Option{gateway.WithSoundCodec(&discovery.TextCodec{})}
}
