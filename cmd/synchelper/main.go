package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/internal/config"
	"github.com/splendor-protocol/sync-helper/internal/logger"
)

func main() {
	var configPath string

	app := &cli.App{
		Name:  "synchelper",
		Usage: "Coordinate peer discovery and update rollout across chain nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       config.GetDefaultConfigPath(),
				Usage:       "Path to the config file",
				EnvVars:     []string{"SYNC_HELPER_CONFIG"},
				Destination: &configPath,
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(configPath)
			switch {
			case errors.Is(err, os.ErrNotExist):
				cfg = config.Default()
				cfg.ApplyEnv()
			case err != nil:
				return fmt.Errorf("failed to load config %s: %w", configPath, err)
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Format)
			if err != nil {
				return err
			}
			c.App.Metadata["config"] = cfg
			c.App.Metadata["configPath"] = configPath
			c.App.Metadata["logger"] = zapLogger
			return nil
		},
		After: func(c *cli.Context) error {
			if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
				_ = log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			registryCommands(),
			agentCommands(),
			configCommands(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func fromContext(c *cli.Context) (*config.Config, *zap.Logger) {
	return c.App.Metadata["config"].(*config.Config), c.App.Metadata["logger"].(*zap.Logger)
}
