package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/internal/registry"
)

const (
	testToken = "private-network-token"
	addrA     = "0xb1109399A845A792322961354A53cBC395D1D855"
	addrB     = "0x7D3fdfC97634eDFF9a31A413Db62085Ca56ac44f"
)

func newTestServer(t *testing.T) (*registry.Store, http.Handler) {
	t.Helper()
	store := registry.NewStore(registry.Options{}, zap.NewNop())
	return store, NewServer(store, testToken, zap.NewNop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

func TestAnnounceEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	enode := "enode://6f8a80d1@10.0.0.1:30303"

	t.Run("idempotent", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rr := do(t, h, "POST", "/endpoints", testToken, AnnounceRequest{Endpoint: enode})
			assert.Equal(t, http.StatusOK, rr.Code)
		}
		rr := do(t, h, "GET", "/endpoints", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var endpoints []string
		decodeBody(t, rr, &endpoints)
		assert.Equal(t, []string{enode}, endpoints)
	})

	t.Run("invalid format", func(t *testing.T) {
		rr := do(t, h, "POST", "/endpoints", testToken, AnnounceRequest{Endpoint: "10.0.0.1:30303"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		var e ErrorResponse
		decodeBody(t, rr, &e)
		assert.Equal(t, "invalid_format", e.Error)
	})

	t.Run("missing endpoint", func(t *testing.T) {
		rr := do(t, h, "POST", "/endpoints", testToken, AnnounceRequest{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		var e ErrorResponse
		decodeBody(t, rr, &e)
		assert.Equal(t, "missing_fields", e.Error)
	})

	t.Run("unauthorized", func(t *testing.T) {
		rr := do(t, h, "POST", "/endpoints", "wrong", AnnounceRequest{Endpoint: "enode://other@10.0.0.9:30303"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = do(t, h, "GET", "/endpoints", "", nil)
		var endpoints []string
		decodeBody(t, rr, &endpoints)
		assert.Len(t, endpoints, 1)
	})

	t.Run("malformed json", func(t *testing.T) {
		rr := do(t, h, "POST", "/endpoints", testToken, "{")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestRegisterNode(t *testing.T) {
	store, h := newTestServer(t)

	rr := do(t, h, "POST", "/nodes", testToken, RegisterRequest{Identifier: addrA, Endpoint: "10.0.0.1", Role: "validator"})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp NodeResponse
	decodeBody(t, rr, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, registry.StatusPending, resp.Node.Status)
	assert.Equal(t, registry.RoleValidator, resp.Node.Role)

	t.Run("conflict", func(t *testing.T) {
		rr := do(t, h, "POST", "/nodes", testToken, RegisterRequest{Identifier: addrA, Endpoint: "10.0.0.99"})
		assert.Equal(t, http.StatusConflict, rr.Code)
		n, _ := store.Get(addrA)
		assert.Equal(t, "10.0.0.1", n.Endpoint)
	})

	t.Run("missing identifier", func(t *testing.T) {
		rr := do(t, h, "POST", "/nodes", testToken, RegisterRequest{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("wrong credential does not alter node count", func(t *testing.T) {
		before := len(store.ListNodes(registry.Filter{}))
		rr := do(t, h, "POST", "/nodes", "wrong", RegisterRequest{Identifier: addrB})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		var e ErrorResponse
		decodeBody(t, rr, &e)
		assert.Equal(t, "unauthorized", e.Error)
		assert.Len(t, store.ListNodes(registry.Filter{}), before)
	})
}

func TestReportUpdate(t *testing.T) {
	_, h := newTestServer(t)

	t.Run("missing fields", func(t *testing.T) {
		rr := do(t, h, "POST", "/updates", testToken, UpdateRequest{Identifier: addrA})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		var e ErrorResponse
		decodeBody(t, rr, &e)
		assert.Equal(t, "missing_fields", e.Error)
		assert.Contains(t, e.Message, "build_id")
	})

	t.Run("bad timestamp", func(t *testing.T) {
		rr := do(t, h, "POST", "/updates", testToken, UpdateRequest{Identifier: addrA, BuildID: "x", Timestamp: "yesterday"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("last write wins", func(t *testing.T) {
		rr := do(t, h, "POST", "/updates", testToken, UpdateRequest{Identifier: addrA, BuildID: "aaaa", Timestamp: "2025-11-09T17:18:38.000Z", Role: "validator"})
		require.Equal(t, http.StatusOK, rr.Code)
		rr = do(t, h, "POST", "/updates", testToken, UpdateRequest{Identifier: addrA, BuildID: "bbbb", Timestamp: "2025-11-09T17:20:00Z", Role: "validator"})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp NodeResponse
		decodeBody(t, rr, &resp)
		assert.Equal(t, registry.StatusCompleted, resp.Node.Status)
		assert.Equal(t, "bbbb", resp.Node.BuildID)
	})

	t.Run("unauthorized", func(t *testing.T) {
		rr := do(t, h, "POST", "/updates", "", UpdateRequest{Identifier: addrB, BuildID: "x", Timestamp: "2025-11-09T17:18:38Z"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestStatusEndToEnd(t *testing.T) {
	store, h := newTestServer(t)
	store.SeedFromRoster([]registry.RosterEntry{
		{Address: addrA, Name: "Alpha", Tier: "GOLD", Number: 1},
		{Address: addrB, Name: "Bravo", Tier: "SILVER", Number: 2},
	})

	rr := do(t, h, "POST", "/updates", testToken, UpdateRequest{Identifier: addrA, BuildID: "1efe73e8", Timestamp: "2025-11-09T17:18:38Z"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, "GET", "/status", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var sum registry.Summary
	decodeBody(t, rr, &sum)

	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, 1, sum.TierBreakdown["GOLD"].Completed)
	assert.Equal(t, 0, sum.TierBreakdown["GOLD"].Pending)
	assert.Equal(t, 1, sum.TierBreakdown["SILVER"].Pending)
	assert.Equal(t, 0, sum.TierBreakdown["SILVER"].Completed)
	require.NotNil(t, sum.LastUpdate)
	assert.Equal(t, "2025-11-09T17:18:38Z", sum.LastUpdate.Format("2006-01-02T15:04:05Z07:00"))
	require.Len(t, sum.Nodes, 2)
	assert.Equal(t, addrA, sum.Nodes[0].Identifier)
}

func TestListNodes(t *testing.T) {
	store, h := newTestServer(t)
	store.SeedFromRoster([]registry.RosterEntry{
		{Address: addrA, Tier: "GOLD", Number: 1},
		{Address: addrB, Tier: "SILVER", Number: 2},
	})
	rr := do(t, h, "POST", "/updates", testToken, UpdateRequest{Identifier: addrA, BuildID: "x", Timestamp: "2025-11-09T17:18:38Z"})
	require.Equal(t, http.StatusOK, rr.Code)

	t.Run("pending", func(t *testing.T) {
		rr := do(t, h, "GET", "/nodes?status=pending", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp NodeListResponse
		decodeBody(t, rr, &resp)
		require.Equal(t, 1, resp.Count)
		for _, n := range resp.Nodes {
			assert.NotEqual(t, registry.StatusCompleted, n.Status)
		}
		assert.Equal(t, addrB, resp.Nodes[0].Identifier)
	})

	t.Run("completed", func(t *testing.T) {
		rr := do(t, h, "GET", "/nodes?status=COMPLETED", "", nil)
		var resp NodeListResponse
		decodeBody(t, rr, &resp)
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("invalid status", func(t *testing.T) {
		rr := do(t, h, "GET", "/nodes?status=done", "", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHistory(t *testing.T) {
	_, h := newTestServer(t)
	for _, ts := range []string{"2025-11-09T17:00:00Z", "2025-11-09T18:00:00Z", "2025-11-09T19:00:00Z"} {
		rr := do(t, h, "POST", "/updates", testToken, UpdateRequest{Identifier: addrA, BuildID: ts, Timestamp: ts})
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := do(t, h, "GET", "/history?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HistoryResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 3, resp.TotalEvents)
	assert.Equal(t, "2025-11-09T19:00:00Z", resp.History[0].BuildID)

	rr = do(t, h, "GET", "/history?limit=bogus", "", nil)
	decodeBody(t, rr, &resp)
	assert.Equal(t, 3, resp.Count)
}

func TestHealth(t *testing.T) {
	store, h := newTestServer(t)
	_, err := store.UpsertEndpoint("enode://abcd@10.0.0.1:30303")
	require.NoError(t, err)

	rr := do(t, h, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HealthResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.EndpointCount)
	assert.Equal(t, 0, resp.NodeCount)
}

func TestReadRoutesRejectWrongMethod(t *testing.T) {
	_, h := newTestServer(t)
	rr := do(t, h, "DELETE", "/endpoints", testToken, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
