package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/splendor-protocol/sync-helper/internal/identity"
	"github.com/splendor-protocol/sync-helper/internal/metrics"
	"github.com/splendor-protocol/sync-helper/internal/nodeclient"
)

const defaultTaskInterval = 15 * time.Second

type task struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// runPeriodically starts t.fn on every tick. A tick that arrives while the
// previous run of the same task is still going is skipped.
func (a *Agent) runPeriodically(ctx context.Context, t task) {
	interval := t.interval
	if interval <= 0 {
		interval = defaultTaskInterval
	}
	inFlight := semaphore.NewWeighted(1)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !inFlight.TryAcquire(1) {
			metrics.AgentTaskRuns.WithLabelValues(t.name, "skipped").Inc()
			a.logger.Debug("previous run still in progress, skipping", zap.String("task", t.name))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer inFlight.Release(1)
			a.runTask(ctx, t)
		}()
	}
}

func (a *Agent) runTask(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AgentTaskRuns.WithLabelValues(t.name, "failure").Inc()
			a.logger.Error("task panicked", zap.String("task", t.name), zap.Any("panic", r))
		}
	}()
	if err := t.fn(ctx); err != nil {
		metrics.AgentTaskRuns.WithLabelValues(t.name, "failure").Inc()
		a.logger.Warn("task failed", zap.String("task", t.name), zap.Error(err))
		return
	}
	metrics.AgentTaskRuns.WithLabelValues(t.name, "success").Inc()
}

// announce posts the local enode to the registry.
func (a *Agent) announce(ctx context.Context) error {
	enode, err := nodeclient.Enode(ctx, a.node)
	if err != nil {
		return fmt.Errorf("failed to read local enode: %w", err)
	}
	if err := a.registry.AnnounceEndpoint(ctx, enode); err != nil {
		return fmt.Errorf("failed to announce enode: %w", err)
	}
	a.logger.Debug("announced enode", zap.String("enode", enode))
	return nil
}

// syncPeers asks the local node to connect to every registry endpoint other
// than its own. A failed admin_addPeer does not stop the remaining peers.
func (a *Agent) syncPeers(ctx context.Context) error {
	endpoints, err := a.registry.Endpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch endpoints: %w", err)
	}
	own, err := nodeclient.Enode(ctx, a.node)
	if err != nil {
		return fmt.Errorf("failed to read local enode: %w", err)
	}
	ownKey, _ := identity.EnodeKey(own)

	var failed, added int
	for _, e := range endpoints {
		if isSelf(e, own, ownKey) {
			continue
		}
		if _, err := nodeclient.AddPeer(ctx, a.node, e); err != nil {
			failed++
			a.logger.Warn("failed to add peer", zap.String("enode", e), zap.Error(err))
			continue
		}
		added++
		metrics.AgentPeersAdded.Inc()
	}
	a.logger.Debug("peer sync finished", zap.Int("endpoints", len(endpoints)), zap.Int("added", added), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d peers could not be added", failed, failed+added)
	}
	return nil
}

// isSelf matches the local enode by URL or, for enode:// URLs advertised
// with a different host, by public key.
func isSelf(endpoint, own, ownKey string) bool {
	if endpoint == own {
		return true
	}
	if ownKey == "" {
		return false
	}
	key, err := identity.EnodeKey(endpoint)
	return err == nil && key == ownKey
}
