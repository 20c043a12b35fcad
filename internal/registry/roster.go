package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type rosterFile struct {
	Validators []RosterEntry `json:"validators"`
}

// LoadRoster reads a roster snapshot of the form {"validators": [...]}.
// A missing file yields an empty roster.
func LoadRoster(path string) ([]RosterEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read roster %s: %w", path, err)
	}
	var rf rosterFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse roster %s: %w", path, err)
	}
	return rf.Validators, nil
}

// SeedFromRoster merges roster entries into the store. Existing records get
// their descriptive fields refreshed but keep their lifecycle status; unknown
// entries become PENDING records. It returns the number of records created.
func (s *Store) SeedFromRoster(entries []RosterEntry) int {
	created, updated := 0, 0

	s.mu.Lock()
	for _, e := range entries {
		id := NormalizeIdentifier(e.Address)
		if id == "" {
			continue
		}
		s.roster[strings.ToLower(id)] = e
		if n := s.lookupFoldLocked(id); n != nil {
			applyRoster(n, e)
			updated++
			continue
		}
		s.nodes[id] = s.newNodeLocked(id, "")
		created++
	}
	s.refreshGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("Seeded from roster",
		zap.Int("entries", len(entries)),
		zap.Int("created", created),
		zap.Int("updated", updated))
	if created > 0 || updated > 0 {
		s.markDirty()
	}
	return created
}

func (s *Store) lookupFoldLocked(id string) *Node {
	if n, ok := s.nodes[id]; ok {
		return n
	}
	for key, n := range s.nodes {
		if strings.EqualFold(key, id) {
			return n
		}
	}
	return nil
}

// ImportCompleted replays historical completion reports, such as a snapshot
// taken before the registry was running. Records are marked COMPLETED with
// the event's fields; an event already present in history (same identifier
// and timestamp) is not duplicated. It returns the number of events added.
func (s *Store) ImportCompleted(events []UpdateEvent) int {
	added := 0

	s.mu.Lock()
	seen := make(map[string]struct{}, len(s.history))
	for _, ev := range s.history {
		seen[eventKey(ev)] = struct{}{}
	}
	sorted := append([]UpdateEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	for _, ev := range sorted {
		ev.Identifier = NormalizeIdentifier(ev.Identifier)
		if ev.Identifier == "" || ev.Timestamp.IsZero() {
			continue
		}
		if ev.Role == "" {
			ev.Role = RoleUnknown
		}
		n, ok := s.nodes[ev.Identifier]
		if !ok {
			n = s.newNodeLocked(ev.Identifier, ev.Endpoint)
			s.nodes[ev.Identifier] = n
		}
		ts := ev.Timestamp.UTC()
		if n.LastUpdate == nil || !n.LastUpdate.After(ts) {
			n.Status = StatusCompleted
			n.LastUpdate = &ts
			n.BuildID = ev.BuildID
			n.Role = ev.Role
			if ev.Endpoint != "" {
				n.Endpoint = ev.Endpoint
			}
		}
		ev.Timestamp = ts
		ev.Name = n.Name
		if _, dup := seen[eventKey(ev)]; dup {
			continue
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = s.now().UTC()
		}
		s.appendEventLocked(ev)
		seen[eventKey(ev)] = struct{}{}
		added++
	}
	s.refreshGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("Imported completed updates", zap.Int("events", len(events)), zap.Int("added", added))
	s.markDirty()
	return added
}

func eventKey(ev UpdateEvent) string {
	return strings.ToLower(ev.Identifier) + "|" + ev.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z")
}
