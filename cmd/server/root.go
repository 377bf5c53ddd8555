package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/adapters"
	"github.com/geeluba/ai-blending-control-demo/internal/ble"
	"github.com/geeluba/ai-blending-control-demo/internal/ble/bluez"
	"github.com/geeluba/ai-blending-control-demo/internal/config"
	"github.com/geeluba/ai-blending-control-demo/internal/logging"
)

func newRootCommand() *cobra.Command {
	var configFlag, levelFlag string
	ctx := &commandContext{configFlag: &configFlag, levelFlag: &levelFlag}

	rootCmd := &cobra.Command{
		Use:           "blendctl",
		Short:         "Projector blending controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newScanCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	return rootCmd
}

type commandContext struct {
	configFlag *string
	levelFlag  *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, _, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if lvl := strings.TrimSpace(*c.levelFlag); lvl != "" {
			cfg.Logging.Level = strings.ToLower(lvl)
		}
		c.config, c.configPath = cfg, path
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*zap.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(cfg.Logging.Level, cfg.Logging.Format)
}

// openRadio returns the configured radio backend and its close function.
func openRadio(cfg *config.Config, log *zap.Logger) (ble.Radio, func() error, error) {
	switch cfg.Bluetooth.Backend {
	case "memory":
		return adapters.NewMemRadio(), func() error { return nil }, nil
	case "bluez":
		r, err := bluez.Open(cfg.Bluetooth.Adapter, log.Named("bluez"))
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown bluetooth backend %q", cfg.Bluetooth.Backend)
	}
}

func skipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
