package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/fixtures"
)

func configCommands() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the config file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write the default config file",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing config file"},
				},
				Action: func(c *cli.Context) error {
					_, log := fromContext(c)
					path := c.App.Metadata["configPath"].(string)
					if err := writeConfigTemplate(path, c.Bool("force")); err != nil {
						return err
					}
					log.Info("Config file written", zap.String("path", path))
					return nil
				},
			},
		},
	}
}

func writeConfigTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, fixtures.ConfigTemplate, 0o600)
}
