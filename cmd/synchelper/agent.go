package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/internal/agent"
	"github.com/splendor-protocol/sync-helper/internal/config"
	"github.com/splendor-protocol/sync-helper/internal/identity"
	"github.com/splendor-protocol/sync-helper/internal/metrics"
	"github.com/splendor-protocol/sync-helper/internal/nodeclient"
	"github.com/splendor-protocol/sync-helper/pkg/registryclient"
)

func agentCommands() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "Run the sync agent beside a local chain client",
		Subcommands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Start the sync agent",
				Action: startAgent,
			},
			{
				Name:   "identity",
				Usage:  "Print the identity the agent reports for the local node",
				Action: printIdentity,
			},
		},
	}
}

func startAgent(c *cli.Context) error {
	cfg, log := fromContext(c)
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}
	a := cfg.Agent

	node := nodeclient.New(a.IPCPath, a.RequestTimeout, log)
	resolver := identity.NewResolver(node, a.MarkerDir, log)
	registry := registryclient.New(a.RegistryURL, a.AccessToken, &http.Client{Timeout: a.RequestTimeout})
	syncAgent := agent.New(agentConfig(a), node, registry, resolver, log)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.MetricsAddress != "" {
		srv := &http.Server{Addr: a.MetricsAddress, Handler: metrics.Handler()}
		go func() {
			log.Info("Starting metrics server", zap.String("address", a.MetricsAddress))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("Starting sync agent",
		zap.String("ipc_path", a.IPCPath),
		zap.String("registry_url", a.RegistryURL),
		zap.String("role", string(resolver.Role())))
	return syncAgent.Run(ctx)
}

func agentConfig(a config.AgentConfig) agent.Config {
	return agent.Config{
		IPCPath:        a.IPCPath,
		UpdateFlagPath: a.UpdateFlagPath,
		RepoDir:        a.RepoDir,
		BuildID:        a.BuildID,
		PublicIP:       a.PublicIP,
		IPLookupURL:    a.IPLookupURL,
		RequestTimeout: a.RequestTimeout,
		SocketPoll:     a.Intervals.SocketPoll,
		StartupDelay:   a.Intervals.StartupDelay,
		Announce:       a.Intervals.Announce,
		Peers:          a.Intervals.Peers,
		UpdateCheck:    a.Intervals.UpdateCheck,
	}
}

func printIdentity(c *cli.Context) error {
	cfg, log := fromContext(c)
	if cfg.Agent.IPCPath == "" {
		return errors.New("agent.ipcPath is required")
	}
	node := nodeclient.New(cfg.Agent.IPCPath, cfg.Agent.RequestTimeout, log)
	id, err := identity.NewResolver(node, cfg.Agent.MarkerDir, log).Resolve(c.Context)
	if err != nil {
		return err
	}
	enode, err := nodeclient.Enode(c.Context, node)
	if err != nil {
		enode = "not available"
	}

	figure.NewFigure("Sync Helper", "", true).Print()
	fmt.Println("")
	fmt.Printf("Identifier: %s\n", id.Identifier)
	fmt.Printf("Role:       %s\n", id.Role)
	fmt.Printf("Source:     %s\n", id.Source)
	if id.Degraded {
		fmt.Println("Warning:    identifier derived from the node key, no chain account configured")
	}
	fmt.Printf("Enode:      %s\n", enode)
	return nil
}
