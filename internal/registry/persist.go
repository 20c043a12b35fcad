package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/internal/metrics"
)

const (
	endpointsFile = "endpoints.json"
	nodesFile     = "nodes.json"
	historyFile   = "history.json"
)

// Load restores the three collections from DataDir. Missing files leave the
// corresponding collection empty.
func (s *Store) Load() error {
	if s.opts.DataDir == "" {
		return nil
	}

	var endpoints []string
	nodes := make(map[string]*Node)
	var history []UpdateEvent

	if err := readJSON(filepath.Join(s.opts.DataDir, endpointsFile), &endpoints); err != nil {
		return err
	}
	if err := readJSON(filepath.Join(s.opts.DataDir, nodesFile), &nodes); err != nil {
		return err
	}
	if err := readJSON(filepath.Join(s.opts.DataDir, historyFile), &history); err != nil {
		return err
	}

	s.mu.Lock()
	s.endpoints = s.endpoints[:0]
	s.known = make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		if _, ok := s.known[e]; ok {
			continue
		}
		s.known[e] = struct{}{}
		s.endpoints = append(s.endpoints, e)
	}
	s.trimEndpointsLocked()
	s.nodes = make(map[string]*Node, len(nodes))
	for id, n := range nodes {
		if n == nil {
			continue
		}
		n.Identifier = NormalizeIdentifier(id)
		s.nodes[n.Identifier] = n
	}
	s.history = nil
	for _, ev := range history {
		s.appendEventLocked(ev)
	}
	s.refreshGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("Loaded persisted state",
		zap.String("data_dir", s.opts.DataDir),
		zap.Int("endpoints", len(endpoints)),
		zap.Int("nodes", len(nodes)),
		zap.Int("history", len(history)))
	return nil
}

// Flush writes the current state to DataDir. Each file is replaced
// atomically; the state lock is only held while taking the snapshot.
func (s *Store) Flush() error {
	if s.opts.DataDir == "" {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	endpoints := append([]string{}, s.endpoints...)
	nodes := make(map[string]Node, len(s.nodes))
	for id, n := range s.nodes {
		nodes[id] = *n
	}
	history := append([]UpdateEvent{}, s.history...)
	s.mu.RUnlock()

	if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	var errs []error
	errs = append(errs, writeJSONAtomic(filepath.Join(s.opts.DataDir, endpointsFile), endpoints))
	errs = append(errs, writeJSONAtomic(filepath.Join(s.opts.DataDir, nodesFile), nodes))
	errs = append(errs, writeJSONAtomic(filepath.Join(s.opts.DataDir, historyFile), history))
	return errors.Join(errs...)
}

// Run flushes after mutations and on FlushInterval until ctx is done, then
// performs a final flush. Flush failures are logged and retried on the next
// trigger.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushAndLog()
			return
		case <-s.dirty:
			s.flushAndLog()
		case <-ticker.C:
			s.flushAndLog()
		}
	}
}

func (s *Store) flushAndLog() {
	if err := s.Flush(); err != nil {
		metrics.RegistryPersistFailures.Inc()
		s.logger.Error("Failed to persist registry state", zap.String("data_dir", s.opts.DataDir), zap.Error(err))
	}
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}
