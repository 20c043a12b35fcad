package registry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	addrA = "0xb1109399A845A792322961354A53cBC395D1D855"
	addrB = "0x7D3fdfC97634eDFF9a31A413Db62085Ca56ac44f"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s := NewStore(opts, zap.NewNop())
	clock := time.Date(2025, 11, 9, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s
}

func ts(minute int) time.Time {
	return time.Date(2025, 11, 9, 17, minute, 0, 0, time.UTC)
}

func TestUpsertEndpoint(t *testing.T) {
	s := newTestStore(t, Options{})

	t.Run("idempotent", func(t *testing.T) {
		e := "enode://abcd@10.0.0.1:30303"
		added, err := s.UpsertEndpoint(e)
		require.NoError(t, err)
		assert.True(t, added)

		for i := 0; i < 3; i++ {
			added, err = s.UpsertEndpoint(e)
			require.NoError(t, err)
			assert.False(t, added)
		}
		assert.Equal(t, []string{e}, s.Endpoints())
	})

	t.Run("enr accepted", func(t *testing.T) {
		_, err := s.UpsertEndpoint("enr:-IS4QHCYrYZbAKWCBRlAy5zzaDZXJBGkcnh4MHcBFZntXNFrdvJjX04jRzjzCBOonrkTfj499SZuOh8R33Ls8RRcy5wBgmlkgnY0")
		require.NoError(t, err)
		assert.Len(t, s.Endpoints(), 2)
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := s.UpsertEndpoint("http://10.0.0.1:30303")
		assert.True(t, errors.Is(err, ErrInvalidFormat))
		assert.Len(t, s.Endpoints(), 2)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.UpsertEndpoint("  ")
		assert.True(t, errors.Is(err, ErrMissingFields))
	})
}

func TestUpsertEndpointEvictsOldest(t *testing.T) {
	s := newTestStore(t, Options{MaxEndpoints: 3})
	for i := 0; i < 5; i++ {
		_, err := s.UpsertEndpoint(fmt.Sprintf("enode://node%d@10.0.0.%d:30303", i, i))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"enode://node2@10.0.0.2:30303",
		"enode://node3@10.0.0.3:30303",
		"enode://node4@10.0.0.4:30303",
	}, s.Endpoints())

	// An evicted endpoint can be announced again.
	added, err := s.UpsertEndpoint("enode://node0@10.0.0.0:30303")
	require.NoError(t, err)
	assert.True(t, added)
}

func TestRegisterNode(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SeedFromRoster([]RosterEntry{{Address: addrA, Name: "Alpha", Tier: "gold", StakedAmount: "1000.0", Status: "Active", StatusCode: 1, Number: 4}})

	t.Run("unknown identifier gets defaults", func(t *testing.T) {
		n, err := s.RegisterNode(addrB, NodeMeta{Endpoint: "10.0.0.2", Role: RoleValidator})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, n.Status)
		assert.Equal(t, "Unknown", n.Name)
		assert.Equal(t, "UNKNOWN", n.Tier)
		assert.Equal(t, "10.0.0.2", n.Endpoint)
		assert.Equal(t, RoleValidator, n.Role)
		assert.Nil(t, n.LastUpdate)
	})

	t.Run("conflict leaves record unchanged", func(t *testing.T) {
		before, ok := s.Get(addrB)
		require.True(t, ok)

		_, err := s.RegisterNode(addrB, NodeMeta{Endpoint: "10.9.9.9", Role: RoleRelay})
		assert.True(t, errors.Is(err, ErrConflict))

		after, ok := s.Get(addrB)
		require.True(t, ok)
		assert.Equal(t, before, after)
	})

	t.Run("roster seeded identifier conflicts", func(t *testing.T) {
		_, err := s.RegisterNode(addrA, NodeMeta{})
		assert.True(t, errors.Is(err, ErrConflict))
	})

	t.Run("missing identifier", func(t *testing.T) {
		_, err := s.RegisterNode("", NodeMeta{})
		assert.True(t, errors.Is(err, ErrMissingFields))
	})
}

func TestRegisterNodeRosterEnrichmentIsCaseInsensitive(t *testing.T) {
	s := newTestStore(t, Options{})
	s.roster["0x0000000000000000000000000000000000000abc"] = RosterEntry{Name: "Late", Tier: "SILVER", Number: 9}

	n, err := s.RegisterNode("0x0000000000000000000000000000000000000ABC", NodeMeta{})
	require.NoError(t, err)
	assert.Equal(t, "Late", n.Name)
	assert.Equal(t, "SILVER", n.Tier)
	assert.Equal(t, 9, n.Number)
}

func TestReportUpdate(t *testing.T) {
	s := newTestStore(t, Options{})

	t.Run("unknown identifier creates completed record", func(t *testing.T) {
		n, err := s.ReportUpdate(UpdateReport{Identifier: addrA, BuildID: "1efe73e8", Timestamp: ts(1), Role: RoleValidator, Endpoint: "46.62.209.246"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, n.Status)
		assert.Equal(t, "1efe73e8", n.BuildID)
		assert.Equal(t, "46.62.209.246", n.Endpoint)
		require.NotNil(t, n.LastUpdate)
		assert.True(t, ts(1).Equal(*n.LastUpdate))
	})

	t.Run("pending transitions to completed", func(t *testing.T) {
		_, err := s.RegisterNode(addrB, NodeMeta{Endpoint: "10.0.0.2"})
		require.NoError(t, err)

		n, err := s.ReportUpdate(UpdateReport{Identifier: addrB, BuildID: "aaaa", Timestamp: ts(2)})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, n.Status)
		assert.Equal(t, "10.0.0.2", n.Endpoint, "endpoint kept when not reported")
		assert.Equal(t, RoleUnknown, n.Role)
	})

	t.Run("last write wins", func(t *testing.T) {
		_, err := s.ReportUpdate(UpdateReport{Identifier: addrA, BuildID: "first", Timestamp: ts(5)})
		require.NoError(t, err)
		// Processed later with an older client timestamp: still overwrites.
		_, err = s.ReportUpdate(UpdateReport{Identifier: addrA, BuildID: "second", Timestamp: ts(3)})
		require.NoError(t, err)

		n, ok := s.Get(addrA)
		require.True(t, ok)
		assert.Equal(t, "second", n.BuildID)
	})

	t.Run("lower-case address maps to the same record", func(t *testing.T) {
		n, err := s.ReportUpdate(UpdateReport{Identifier: "0xb1109399a845a792322961354a53cbc395d1d855", BuildID: "third", Timestamp: ts(6)})
		require.NoError(t, err)
		assert.Equal(t, addrA, n.Identifier)
		assert.Len(t, s.ListNodes(Filter{}), 2)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := s.ReportUpdate(UpdateReport{Identifier: addrA})
		assert.True(t, errors.Is(err, ErrMissingFields))
		assert.Contains(t, err.Error(), "build_id")
		assert.Contains(t, err.Error(), "timestamp")
	})

	assert.Equal(t, 5, s.HistorySize())
}

func TestHistoryCap(t *testing.T) {
	const limit = 5
	s := newTestStore(t, Options{MaxHistory: limit})

	for i := 0; i <= limit; i++ {
		_, err := s.ReportUpdate(UpdateReport{Identifier: addrA, BuildID: fmt.Sprintf("b%d", i), Timestamp: ts(i)})
		require.NoError(t, err)
	}

	all := s.History(0)
	require.Len(t, all, limit)
	// Oldest (b0) dropped, newest first.
	for i, ev := range all {
		assert.Equal(t, fmt.Sprintf("b%d", limit-i), ev.BuildID)
	}

	recent := s.History(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b5", recent[0].BuildID)
	assert.Equal(t, "b4", recent[1].BuildID)
}

func TestHistoryOrderedByClientTimestamp(t *testing.T) {
	s := newTestStore(t, Options{})
	for _, m := range []int{10, 2, 7} {
		_, err := s.ReportUpdate(UpdateReport{Identifier: addrA, BuildID: fmt.Sprint(m), Timestamp: ts(m)})
		require.NoError(t, err)
	}
	h := s.History(0)
	require.Len(t, h, 3)
	assert.Equal(t, []string{"10", "7", "2"}, []string{h[0].BuildID, h[1].BuildID, h[2].BuildID})
}

func TestListNodes(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SeedFromRoster([]RosterEntry{
		{Address: addrB, Name: "Bravo", Tier: "SILVER", Number: 2},
		{Address: addrA, Name: "Alpha", Tier: "GOLD", Number: 1},
	})
	_, err := s.ReportUpdate(UpdateReport{Identifier: "rpc-0011223344556677", BuildID: "x", Timestamp: ts(1), Role: RoleRelay})
	require.NoError(t, err)
	_, err = s.ReportUpdate(UpdateReport{Identifier: "rpc-8899aabbccddeeff", BuildID: "x", Timestamp: ts(9), Role: RoleRelay})
	require.NoError(t, err)
	_, err = s.ReportUpdate(UpdateReport{Identifier: addrB, BuildID: "x", Timestamp: ts(3), Role: RoleValidator})
	require.NoError(t, err)

	t.Run("ordering", func(t *testing.T) {
		ids := identifiers(s.ListNodes(Filter{}))
		assert.Equal(t, []string{addrA, addrB, "rpc-8899aabbccddeeff", "rpc-0011223344556677"}, ids)
	})

	t.Run("pending never returns completed", func(t *testing.T) {
		pending := s.ListNodes(Filter{Status: StatusPending})
		require.Len(t, pending, 1)
		for _, n := range pending {
			assert.NotEqual(t, StatusCompleted, n.Status)
		}
	})

	t.Run("completed", func(t *testing.T) {
		assert.Len(t, s.ListNodes(Filter{Status: StatusCompleted}), 3)
	})

	t.Run("role", func(t *testing.T) {
		assert.Len(t, s.ListNodes(Filter{Role: RoleRelay}), 2)
		assert.Len(t, s.ListNodes(Filter{Role: RoleValidator, Status: StatusCompleted}), 1)
	})
}

func TestSummary(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SeedFromRoster([]RosterEntry{
		{Address: addrA, Name: "Alpha", Tier: "GOLD", Number: 1},
		{Address: addrB, Name: "Bravo", Tier: "SILVER", Number: 2},
	})
	_, err := s.ReportUpdate(UpdateReport{Identifier: addrA, BuildID: "x", Timestamp: ts(4)})
	require.NoError(t, err)

	sum := s.Summary()
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, 50, sum.ProgressPercentage)
	assert.Equal(t, TierStats{Total: 1, Completed: 1}, sum.TierBreakdown["GOLD"])
	assert.Equal(t, TierStats{Total: 1, Pending: 1}, sum.TierBreakdown["SILVER"])
	require.NotNil(t, sum.LastUpdate)
	assert.True(t, ts(4).Equal(*sum.LastUpdate))
	assert.Len(t, sum.Nodes, 2)
}

func TestSeedFromRosterKeepsStatus(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.ReportUpdate(UpdateReport{Identifier: addrA, BuildID: "x", Timestamp: ts(1)})
	require.NoError(t, err)

	created := s.SeedFromRoster([]RosterEntry{
		{Address: addrA, Name: "Alpha", Tier: "GOLD", Number: 1},
		{Address: addrB, Name: "Bravo", Tier: "SILVER", Number: 2},
	})
	assert.Equal(t, 1, created)

	a, _ := s.Get(addrA)
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, "Alpha", a.Name)
	assert.Equal(t, "GOLD", a.Tier)

	b, _ := s.Get(addrB)
	assert.Equal(t, StatusPending, b.Status)

	// Reseeding with new descriptive data updates but never creates twice.
	created = s.SeedFromRoster([]RosterEntry{{Address: addrB, Name: "Bravo Renamed", Tier: "GOLD", Number: 2}})
	assert.Equal(t, 0, created)
	b, _ = s.Get(addrB)
	assert.Equal(t, "Bravo Renamed", b.Name)
	assert.Equal(t, StatusPending, b.Status)
}

func TestImportCompleted(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SeedFromRoster([]RosterEntry{{Address: addrA, Name: "Alpha", Tier: "GOLD", Number: 1}})

	events := []UpdateEvent{
		{Identifier: addrA, Endpoint: "46.62.209.246", BuildID: "1efe73e8", Role: RoleValidator, Timestamp: ts(18)},
		{Identifier: addrB, Endpoint: "46.62.231.171", BuildID: "1efe73e8", Role: RoleValidator, Timestamp: ts(43)},
	}
	assert.Equal(t, 2, s.ImportCompleted(events))
	assert.Equal(t, 0, s.ImportCompleted(events), "replaying is a no-op for history")

	a, _ := s.Get(addrA)
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, "46.62.209.246", a.Endpoint)

	h := s.History(0)
	require.Len(t, h, 2)
	assert.Equal(t, addrB, h[0].Identifier)
	assert.Equal(t, "Alpha", h[1].Name)
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, addrA, NormalizeIdentifier(" 0xb1109399a845a792322961354a53cbc395d1d855 "))
	assert.Equal(t, "rpc-0011223344556677", NormalizeIdentifier("rpc-0011223344556677"))
	assert.Equal(t, "", NormalizeIdentifier(""))
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleValidator, ParseRole("Validator"))
	assert.Equal(t, RoleRelay, ParseRole("rpc"))
	assert.Equal(t, RoleRelay, ParseRole("relay"))
	assert.Equal(t, RoleUnknown, ParseRole(""))
	assert.Equal(t, RoleUnknown, ParseRole("miner"))
}

func identifiers(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Identifier
	}
	return out
}
