package registry

import (
	"strings"
	"time"
)

// Status is the lifecycle status of a node record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
)

// ParseStatus accepts the status in any case.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(StatusPending):
		return StatusPending, true
	case string(StatusCompleted):
		return StatusCompleted, true
	}
	return "", false
}

// Role is the kind of chain client a node runs.
type Role string

const (
	RoleValidator Role = "validator"
	RoleRelay     Role = "relay"
	RoleUnknown   Role = "unknown"
)

// ParseRole maps a reported role to a Role. "rpc" is the legacy name for relay
// nodes. Anything unrecognised is RoleUnknown.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "validator":
		return RoleValidator
	case "relay", "rpc":
		return RoleRelay
	}
	return RoleUnknown
}

const (
	defaultName          = "Unknown"
	defaultTier          = "UNKNOWN"
	defaultStake         = "0.0"
	defaultNetworkStatus = "Unknown"
	defaultWebsite       = "N/A"
	defaultEndpoint      = "unknown"
)

// Node is the registry's record of one network participant.
type Node struct {
	Identifier    string     `json:"identifier"`
	Name          string     `json:"name"`
	Tier          string     `json:"tier"`
	StakedAmount  string     `json:"staked_amount"`
	NetworkStatus string     `json:"network_status"`
	StatusCode    int        `json:"status_code"`
	Website       string     `json:"website"`
	Number        int        `json:"number"`
	Endpoint      string     `json:"endpoint"`
	Status        Status     `json:"status"`
	LastUpdate    *time.Time `json:"last_update"`
	BuildID       string     `json:"build_id,omitempty"`
	Role          Role       `json:"role"`
	RegisteredAt  time.Time  `json:"registered_at"`
}

// UpdateEvent is one update-completion report as received.
type UpdateEvent struct {
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	Endpoint   string    `json:"endpoint"`
	BuildID    string    `json:"build_id"`
	Role       Role      `json:"role"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// RosterEntry is one expected participant from the external roster snapshot.
type RosterEntry struct {
	Address      string `json:"address"`
	Name         string `json:"name"`
	Tier         string `json:"tier"`
	StakedAmount string `json:"staked_amount"`
	Status       string `json:"status"`
	StatusCode   int    `json:"status_code"`
	Website      string `json:"website"`
	Number       int    `json:"number"`
}

// NodeMeta carries the caller-supplied fields of a registration.
type NodeMeta struct {
	Endpoint string
	Role     Role
}

// UpdateReport carries the fields of an update-completion report.
type UpdateReport struct {
	Identifier string
	Endpoint   string
	BuildID    string
	Role       Role
	Timestamp  time.Time
}

// Filter selects nodes in ListNodes. Zero values match everything.
type Filter struct {
	Status Status
	Role   Role
}

func (f Filter) match(n *Node) bool {
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.Role != "" && n.Role != f.Role {
		return false
	}
	return true
}

// TierStats is the per-tier breakdown of a Summary.
type TierStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
}

// Summary is derived on each call, never stored.
type Summary struct {
	Total              int                  `json:"total"`
	Completed          int                  `json:"completed"`
	Pending            int                  `json:"pending"`
	ProgressPercentage int                  `json:"progress_percentage"`
	LastUpdate         *time.Time           `json:"last_update"`
	TierBreakdown      map[string]TierStats `json:"tier_breakdown"`
	Nodes              []Node               `json:"nodes"`
}

// Health holds the collection sizes reported by /health.
type Health struct {
	EndpointCount int `json:"endpoint_count"`
	NodeCount     int `json:"node_count"`
	RosterCount   int `json:"roster_count"`
	HistoryCount  int `json:"history_count"`
	Completed     int `json:"completed"`
	Pending       int `json:"pending"`
}
