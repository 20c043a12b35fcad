// Package agent runs beside a chain client and keeps the registry informed:
// it announces the node's enode, connects to peers the registry knows about,
// and reports completed software updates.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/splendor-protocol/sync-helper/internal/identity"
	"github.com/splendor-protocol/sync-helper/internal/metrics"
	"github.com/splendor-protocol/sync-helper/internal/nodeclient"
	"github.com/splendor-protocol/sync-helper/pkg/registryclient"
)

const defaultSocketPoll = 5 * time.Second

// State is the agent's position in its lifecycle.
type State int32

const (
	StateWaitingForLocalClient State = iota
	StateRegistering
	StateSteadyState
)

func (s State) String() string {
	switch s {
	case StateWaitingForLocalClient:
		return "WAITING_FOR_LOCAL_CLIENT"
	case StateRegistering:
		return "REGISTERING"
	case StateSteadyState:
		return "STEADY_STATE"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Registry is the subset of the registry API the agent calls.
type Registry interface {
	AnnounceEndpoint(ctx context.Context, endpoint string) error
	Endpoints(ctx context.Context) ([]string, error)
	RegisterNode(ctx context.Context, reg registryclient.Registration) error
	ReportUpdate(ctx context.Context, rep registryclient.UpdateReport) error
}

// Resolver determines the local node's identity.
type Resolver interface {
	Resolve(ctx context.Context) (identity.Identity, error)
}

type Config struct {
	IPCPath        string
	UpdateFlagPath string
	RepoDir        string
	BuildID        string
	PublicIP       string
	IPLookupURL    string
	RequestTimeout time.Duration

	SocketPoll   time.Duration
	StartupDelay time.Duration
	Announce     time.Duration
	Peers        time.Duration
	UpdateCheck  time.Duration
}

type Agent struct {
	cfg      Config
	node     nodeclient.Caller
	registry Registry
	resolver Resolver
	state    atomic.Int32
	logger   *zap.Logger

	socketReady func() bool
	buildID     func(ctx context.Context) string
	publicIP    func(ctx context.Context) string
	now         func() time.Time
}

func New(cfg Config, node nodeclient.Caller, registry Registry, resolver Resolver, logger *zap.Logger) *Agent {
	a := &Agent{
		cfg:      cfg,
		node:     node,
		registry: registry,
		resolver: resolver,
		logger:   logger.Named("agent"),
		now:      time.Now,
	}
	a.socketReady = func() bool { return nodeclient.SocketExists(cfg.IPCPath) }
	a.buildID = a.lookupBuildID
	ipClient := &http.Client{Timeout: cfg.RequestTimeout}
	a.publicIP = func(ctx context.Context) string { return a.lookupPublicIP(ctx, ipClient) }
	return a
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
	metrics.AgentState.Set(float64(s))
	a.logger.Info("agent state changed", zap.Stringer("state", s))
}

// Run blocks until ctx is cancelled. Failures inside the periodic tasks are
// logged and retried on the next tick; they never end the loop.
func (a *Agent) Run(ctx context.Context) error {
	a.setState(StateWaitingForLocalClient)
	if err := a.waitForSocket(ctx); err != nil {
		return nil
	}
	if !sleep(ctx, a.cfg.StartupDelay) {
		return nil
	}

	a.setState(StateRegistering)
	if err := a.register(ctx); err != nil {
		a.logger.Error("node registration failed", zap.Error(err))
	}
	if err := a.checkAndReportUpdate(ctx); err != nil {
		a.logger.Error("update report failed", zap.Error(err))
	}

	a.setState(StateSteadyState)
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range []task{
		{name: "announce", interval: a.cfg.Announce, fn: a.announce},
		{name: "peers", interval: a.cfg.Peers, fn: a.syncPeers},
		{name: "update_check", interval: a.cfg.UpdateCheck, fn: a.checkAndReportUpdate},
	} {
		t := t
		g.Go(func() error {
			a.runPeriodically(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (a *Agent) waitForSocket(ctx context.Context) error {
	poll := a.cfg.SocketPoll
	if poll <= 0 {
		poll = defaultSocketPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if a.socketReady() {
			a.logger.Info("local client socket found", zap.String("ipc_path", a.cfg.IPCPath))
			return nil
		}
		a.logger.Info("local client socket not found, waiting", zap.String("ipc_path", a.cfg.IPCPath))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// register announces the node to the registry. A node the registry already
// knows is not an error.
func (a *Agent) register(ctx context.Context) error {
	id, err := a.resolver.Resolve(ctx)
	if errors.Is(err, identity.ErrUnknownRole) {
		a.logger.Warn("could not determine node identity, skipping registration")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve identity: %w", err)
	}

	reg := registryclient.Registration{
		Identifier: id.Identifier,
		Endpoint:   a.publicIP(ctx),
		Role:       string(id.Role),
	}
	err = a.registry.RegisterNode(ctx, reg)
	switch {
	case errors.Is(err, registryclient.ErrConflict):
		a.logger.Info("node already registered", zap.String("identifier", id.Identifier), zap.String("role", string(id.Role)))
		return nil
	case err != nil:
		return err
	}
	a.logger.Info("node registered",
		zap.String("identifier", id.Identifier),
		zap.String("role", string(id.Role)),
		zap.Bool("degraded_identity", id.Degraded))
	return nil
}

// checkAndReportUpdate reports completion when the update flag is present and
// removes the flag only once the registry accepted the report.
func (a *Agent) checkAndReportUpdate(ctx context.Context) error {
	if _, err := os.Stat(a.cfg.UpdateFlagPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check update flag: %w", err)
		}
		return nil
	}
	a.logger.Info("update flag found, reporting update completion", zap.String("flag", a.cfg.UpdateFlagPath))

	if err := a.reportUpdate(ctx); err != nil {
		return err
	}
	if err := os.Remove(a.cfg.UpdateFlagPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("update reported but flag not removed: %w", err)
	}
	a.logger.Info("update completion reported and flag removed")
	return nil
}

func (a *Agent) reportUpdate(ctx context.Context) error {
	id, err := a.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("cannot report update: %w", err)
	}
	rep := registryclient.UpdateReport{
		Identifier: id.Identifier,
		Endpoint:   a.publicIP(ctx),
		BuildID:    a.buildID(ctx),
		Timestamp:  a.now().UTC().Format(time.RFC3339Nano),
		Role:       string(id.Role),
	}
	if err := a.registry.ReportUpdate(ctx, rep); err != nil {
		return fmt.Errorf("failed to report update: %w", err)
	}
	a.logger.Info("update completion reported",
		zap.String("identifier", rep.Identifier),
		zap.String("build_id", rep.BuildID))
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
