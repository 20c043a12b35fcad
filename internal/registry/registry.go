package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/internal/metrics"
)

const (
	DefaultMaxEndpoints  = 1000
	DefaultMaxHistory    = 100
	DefaultFlushInterval = 5 * time.Minute
)

// Endpoint address schemes accepted for peering.
var endpointPrefixes = []string{"enode://", "enr:-"}

// Options configures a Store.
type Options struct {
	// DataDir holds endpoints.json, nodes.json and history.json. Empty
	// disables persistence.
	DataDir       string
	MaxEndpoints  int
	MaxHistory    int
	FlushInterval time.Duration
}

// Store is the authoritative state of the registry: known endpoints, node
// records and a bounded history of update events. All methods are safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	endpoints []string
	known     map[string]struct{}
	nodes     map[string]*Node
	history   []UpdateEvent
	roster    map[string]RosterEntry // keyed by lower-cased address

	opts    Options
	flushMu sync.Mutex
	dirty   chan struct{}
	now     func() time.Time
	logger  *zap.Logger
}

// NewStore creates an empty store. Call Load to restore persisted state.
func NewStore(opts Options, logger *zap.Logger) *Store {
	if opts.MaxEndpoints <= 0 {
		opts.MaxEndpoints = DefaultMaxEndpoints
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	return &Store{
		known:  make(map[string]struct{}),
		nodes:  make(map[string]*Node),
		roster: make(map[string]RosterEntry),
		opts:   opts,
		dirty:  make(chan struct{}, 1),
		now:    time.Now,
		logger: logger.Named("registry_store"),
	}
}

// NormalizeIdentifier returns hex chain addresses in checksum form and every
// other identifier trimmed but otherwise unchanged.
func NormalizeIdentifier(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

// ValidateEndpoint checks that endpoint uses one of the recognised schemes.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint: %w", ErrMissingFields)
	}
	for _, p := range endpointPrefixes {
		if strings.HasPrefix(endpoint, p) {
			return nil
		}
	}
	return fmt.Errorf("endpoint must start with %s: %w", strings.Join(endpointPrefixes, " or "), ErrInvalidFormat)
}

// UpsertEndpoint records endpoint if it is not yet known. It reports whether
// the endpoint was added. Once the collection exceeds MaxEndpoints the oldest
// entries are evicted.
func (s *Store) UpsertEndpoint(endpoint string) (bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if err := ValidateEndpoint(endpoint); err != nil {
		return false, err
	}

	s.mu.Lock()
	if _, ok := s.known[endpoint]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.endpoints = append(s.endpoints, endpoint)
	s.known[endpoint] = struct{}{}
	evicted := s.trimEndpointsLocked()
	s.refreshGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("Added endpoint", zap.String("endpoint", endpoint), zap.Int("evicted", evicted))
	s.markDirty()
	return true, nil
}

func (s *Store) trimEndpointsLocked() int {
	over := len(s.endpoints) - s.opts.MaxEndpoints
	if over <= 0 {
		return 0
	}
	for _, e := range s.endpoints[:over] {
		delete(s.known, e)
	}
	s.endpoints = append([]string(nil), s.endpoints[over:]...)
	return over
}

// Endpoints returns a copy of all known endpoints in insertion order.
func (s *Store) Endpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// RegisterNode creates a PENDING record for id. It fails with ErrConflict if
// the identifier is already known and leaves the existing record untouched.
func (s *Store) RegisterNode(id string, meta NodeMeta) (Node, error) {
	id = NormalizeIdentifier(id)
	if id == "" {
		return Node{}, fmt.Errorf("identifier: %w", ErrMissingFields)
	}

	s.mu.Lock()
	if _, ok := s.nodes[id]; ok {
		s.mu.Unlock()
		return Node{}, fmt.Errorf("%s: %w", id, ErrConflict)
	}
	n := s.newNodeLocked(id, meta.Endpoint)
	if meta.Role != "" {
		n.Role = meta.Role
	}
	s.nodes[id] = n
	s.refreshGaugesLocked()
	out := *n
	s.mu.Unlock()

	s.logger.Info("Registered node",
		zap.String("identifier", id),
		zap.String("name", out.Name),
		zap.String("role", string(out.Role)))
	s.markDirty()
	return out, nil
}

// ReportUpdate marks id COMPLETED, creating the record if needed, and appends
// an UpdateEvent. Fields of the latest call overwrite earlier ones in arrival
// order; the client timestamp only orders history.
func (s *Store) ReportUpdate(rep UpdateReport) (Node, error) {
	rep.Identifier = NormalizeIdentifier(rep.Identifier)
	var missing []string
	if rep.Identifier == "" {
		missing = append(missing, "identifier")
	}
	if rep.BuildID == "" {
		missing = append(missing, "build_id")
	}
	if rep.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return Node{}, fmt.Errorf("%s: %w", strings.Join(missing, ", "), ErrMissingFields)
	}
	if rep.Role == "" {
		rep.Role = RoleUnknown
	}

	s.mu.Lock()
	n, ok := s.nodes[rep.Identifier]
	if !ok {
		n = s.newNodeLocked(rep.Identifier, rep.Endpoint)
		s.nodes[rep.Identifier] = n
	}
	ts := rep.Timestamp.UTC()
	n.Status = StatusCompleted
	n.LastUpdate = &ts
	n.BuildID = rep.BuildID
	n.Role = rep.Role
	if rep.Endpoint != "" {
		n.Endpoint = rep.Endpoint
	}
	s.appendEventLocked(UpdateEvent{
		Identifier: n.Identifier,
		Name:       n.Name,
		Endpoint:   n.Endpoint,
		BuildID:    rep.BuildID,
		Role:       rep.Role,
		Timestamp:  ts,
		ReceivedAt: s.now().UTC(),
	})
	s.refreshGaugesLocked()
	out := *n
	s.mu.Unlock()

	metrics.RegistryUpdateReports.Inc()
	s.logger.Info("Update completed",
		zap.String("identifier", out.Identifier),
		zap.String("name", out.Name),
		zap.String("build_id", out.BuildID),
		zap.Time("timestamp", ts),
		zap.Bool("created", !ok))
	s.markDirty()
	return out, nil
}

// appendEventLocked keeps history sorted by client timestamp and drops the
// oldest events beyond MaxHistory.
func (s *Store) appendEventLocked(ev UpdateEvent) {
	i := sort.Search(len(s.history), func(i int) bool {
		return s.history[i].Timestamp.After(ev.Timestamp)
	})
	s.history = append(s.history, UpdateEvent{})
	copy(s.history[i+1:], s.history[i:])
	s.history[i] = ev
	if over := len(s.history) - s.opts.MaxHistory; over > 0 {
		s.history = append([]UpdateEvent(nil), s.history[over:]...)
	}
}

func (s *Store) newNodeLocked(id, endpoint string) *Node {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	n := &Node{
		Identifier:    id,
		Name:          defaultName,
		Tier:          defaultTier,
		StakedAmount:  defaultStake,
		NetworkStatus: defaultNetworkStatus,
		Website:       defaultWebsite,
		Endpoint:      endpoint,
		Status:        StatusPending,
		Role:          RoleUnknown,
		RegisteredAt:  s.now().UTC(),
	}
	if entry, ok := s.roster[strings.ToLower(id)]; ok {
		applyRoster(n, entry)
	}
	return n
}

func applyRoster(n *Node, e RosterEntry) {
	n.Name = orDefault(e.Name, defaultName)
	n.Tier = orDefault(strings.ToUpper(e.Tier), defaultTier)
	n.StakedAmount = orDefault(e.StakedAmount, defaultStake)
	n.NetworkStatus = orDefault(e.Status, defaultNetworkStatus)
	n.StatusCode = e.StatusCode
	n.Website = orDefault(e.Website, defaultWebsite)
	n.Number = e.Number
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[NormalizeIdentifier(id)]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// ListNodes returns the records matching f. Records with a roster sequence
// number come first in sequence order, the rest follow by most recent update.
func (s *Store) ListNodes(f Filter) []Node {
	s.mu.RLock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if f.match(n) {
			out = append(out, *n)
		}
	}
	s.mu.RUnlock()
	sortNodes(out)
	return out
}

func sortNodes(nodes []Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		switch {
		case a.Number > 0 && b.Number > 0:
			if a.Number != b.Number {
				return a.Number < b.Number
			}
		case a.Number > 0:
			return true
		case b.Number > 0:
			return false
		default:
			switch {
			case a.LastUpdate != nil && b.LastUpdate != nil:
				if !a.LastUpdate.Equal(*b.LastUpdate) {
					return a.LastUpdate.After(*b.LastUpdate)
				}
			case a.LastUpdate != nil:
				return true
			case b.LastUpdate != nil:
				return false
			}
		}
		return a.Identifier < b.Identifier
	})
}

// History returns up to limit events, most recent first. A non-positive limit
// returns everything retained.
func (s *Store) History(limit int) []UpdateEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]UpdateEvent, 0, limit)
	for i := len(s.history) - 1; i >= len(s.history)-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// HistorySize is the number of events retained.
func (s *Store) HistorySize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Summary derives aggregate counts across all records.
func (s *Store) Summary() Summary {
	nodes := s.ListNodes(Filter{})
	sum := Summary{
		Total:         len(nodes),
		TierBreakdown: make(map[string]TierStats),
		Nodes:         nodes,
	}
	for i := range nodes {
		n := &nodes[i]
		ts := sum.TierBreakdown[n.Tier]
		ts.Total++
		if n.Status == StatusCompleted {
			sum.Completed++
			ts.Completed++
		} else {
			ts.Pending++
		}
		sum.TierBreakdown[n.Tier] = ts
		if n.LastUpdate != nil && (sum.LastUpdate == nil || n.LastUpdate.After(*sum.LastUpdate)) {
			t := *n.LastUpdate
			sum.LastUpdate = &t
		}
	}
	sum.Pending = sum.Total - sum.Completed
	if sum.Total > 0 {
		sum.ProgressPercentage = (sum.Completed*100 + sum.Total/2) / sum.Total
	}
	return sum
}

// Health reports collection sizes.
func (s *Store) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := Health{
		EndpointCount: len(s.endpoints),
		NodeCount:     len(s.nodes),
		RosterCount:   len(s.roster),
		HistoryCount:  len(s.history),
	}
	for _, n := range s.nodes {
		if n.Status == StatusCompleted {
			h.Completed++
		} else {
			h.Pending++
		}
	}
	return h
}

func (s *Store) refreshGaugesLocked() {
	completed := 0
	for _, n := range s.nodes {
		if n.Status == StatusCompleted {
			completed++
		}
	}
	metrics.RegistryEndpoints.Set(float64(len(s.endpoints)))
	metrics.RegistryNodes.WithLabelValues(string(StatusCompleted)).Set(float64(completed))
	metrics.RegistryNodes.WithLabelValues(string(StatusPending)).Set(float64(len(s.nodes) - completed))
}
