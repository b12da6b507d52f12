package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/distributedci/dci-analytics/internal/store"
	"github.com/distributedci/dci-analytics/internal/testutil"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func newTestServer(t *testing.T, st Store) *Server {
	t.Helper()
	logger := testutil.NewTestLogger()
	return New(DefaultConfig(), st, 10*time.Minute, logger.Logger())
}

func seedEntries(t *testing.T, db *store.DB, n int, start time.Time) {
	t.Helper()
	entries := make([]store.Entry, 0, n)
	for i := 0; i < n; i++ {
		status := "success"
		if i%3 == 0 {
			status = "failure"
		}
		entries = append(entries, store.Entry{
			ID:        fmt.Sprintf("job-%04d", i),
			Feed:      "jobs",
			Status:    status,
			Team:      "team-a",
			Tags:      `["daily"]`,
			CreatedAt: start,
			UpdatedAt: start.Add(time.Duration(i) * time.Minute),
			Extra:     `{"pipeline":{"id":"p1"}}`,
		})
	}
	cp := store.Checkpoint{
		Feed:      "jobs",
		Timestamp: entries[len(entries)-1].UpdatedAt,
		LastID:    entries[len(entries)-1].ID,
		BatchID:   "batch-1",
	}
	require.NoError(t, db.WriteChunk(entries, cp))
}

func get(t *testing.T, srv *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleEntries_FilterAndPaginate(t *testing.T) {
	db := openTestStore(t)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedEntries(t, db, 30, start)
	srv := newTestServer(t, db)

	rec := get(t, srv, "/api/v1/entries?feed=jobs&status=failure")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp entriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 10, resp.Count)
	for _, e := range resp.Entries {
		require.Equal(t, "failure", e.Status)
	}

	// Pagination walks the filtered set without overlap.
	rec = get(t, srv, "/api/v1/entries?feed=jobs&limit=20")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 20, resp.Count)
	firstPageLast := resp.Entries[len(resp.Entries)-1].ID

	rec = get(t, srv, "/api/v1/entries?feed=jobs&limit=20&offset=20")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 10, resp.Count)
	require.Greater(t, resp.Entries[0].ID, firstPageLast)
}

func TestHandleEntries_TimeWindow(t *testing.T) {
	db := openTestStore(t)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedEntries(t, db, 30, start)
	srv := newTestServer(t, db)

	since := start.Add(10 * time.Minute).Format(time.RFC3339)
	until := start.Add(20 * time.Minute).Format(time.RFC3339)
	rec := get(t, srv, "/api/v1/entries?since="+since+"&until="+until)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp entriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 10, resp.Count)
}

func TestHandleEntries_PassesStoredJSONThrough(t *testing.T) {
	db := openTestStore(t)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedEntries(t, db, 1, start)
	srv := newTestServer(t, db)

	rec := get(t, srv, "/api/v1/entries")
	var raw struct {
		Entries []map[string]json.RawMessage `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw.Entries, 1)
	require.JSONEq(t, `["daily"]`, string(raw.Entries[0]["tags"]))
	require.JSONEq(t, `{"pipeline":{"id":"p1"}}`, string(raw.Entries[0]["extra"]))
}

func TestHandleEntries_BadParams(t *testing.T) {
	db := openTestStore(t)
	srv := newTestServer(t, db)

	for _, target := range []string{
		"/api/v1/entries?since=yesterday",
		"/api/v1/entries?until=not-a-time",
		"/api/v1/entries?limit=abc",
		"/api/v1/entries?limit=-1",
		"/api/v1/entries?offset=x",
	} {
		rec := get(t, srv, target)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandleEntries_EmptyResult(t *testing.T) {
	db := openTestStore(t)
	srv := newTestServer(t, db)

	rec := get(t, srv, "/api/v1/entries?feed=components")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp entriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.Count)
	require.NotNil(t, resp.Entries)
}

func TestHandleSyncs(t *testing.T) {
	db := openTestStore(t)
	srv := newTestServer(t, db)

	for i := 0; i < 3; i++ {
		run := &store.SyncRun{
			ID:        fmt.Sprintf("run-%d", i),
			Feed:      "jobs",
			StartedAt: time.Date(2025, 6, 1, i, 0, 0, 0, time.UTC),
		}
		require.NoError(t, db.CreateSyncRun(run))
		require.NoError(t, db.FinishSyncRun(run.ID, store.RunOutcomeDone, 100, 1, nil))
	}

	rec := get(t, srv, "/api/v1/syncs?feed=jobs&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp syncsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	// Newest first.
	require.Equal(t, "run-2", resp.Syncs[0].ID)
	require.Equal(t, store.RunOutcomeDone, resp.Syncs[0].Outcome)
}

func TestHandleStats(t *testing.T) {
	db := openTestStore(t)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedEntries(t, db, 30, start)
	srv := newTestServer(t, db)

	rec := get(t, srv, "/api/v1/stats?feed=jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 30, resp.Total)
	require.Equal(t, 10, resp.ByStatus["failure"])
	require.Equal(t, 20, resp.ByStatus["success"])

	// Missing feed parameter is a client error.
	rec = get(t, srv, "/api/v1/stats")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, srv, "/api/v1/stats?feed=jobs&since=whenever")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth_FreshAndStale(t *testing.T) {
	db := openTestStore(t)
	srv := newTestServer(t, db)

	now := time.Now().UTC()
	require.NoError(t, db.WithTransaction(func(tx *store.Tx) error {
		if err := tx.CommitCheckpoint(store.Checkpoint{
			Feed: "jobs", Timestamp: now, LastID: "job-1", BatchID: "b1", CommittedAt: now,
		}); err != nil {
			return err
		}
		return tx.CommitCheckpoint(store.Checkpoint{
			Feed: "components", Timestamp: now.Add(-time.Hour), LastID: "cmp-1", BatchID: "b2",
			CommittedAt: now.Add(-time.Hour),
		})
	}))

	rec := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Checkpoints, 2)

	byFeed := map[string]checkpointHealth{}
	for _, cp := range resp.Checkpoints {
		byFeed[cp.Feed] = cp
	}
	// Sync period is 10m: one hour old is past the 2x threshold.
	require.False(t, byFeed["jobs"].Stale)
	require.True(t, byFeed["components"].Stale)
}

// deadStore fails every operation and counts the attempts, for the
// unavailable paths.
type deadStore struct {
	attempts int
}

func (d *deadStore) fail() error {
	d.attempts++
	return errors.New("database is locked")
}

func (d *deadStore) QueryEntries(store.EntryFilter) ([]store.Entry, error) {
	return nil, d.fail()
}

func (d *deadStore) ListSyncRuns(string, int) ([]store.SyncRun, error) {
	return nil, d.fail()
}

func (d *deadStore) ListCheckpoints() ([]store.Checkpoint, error) {
	return nil, d.fail()
}

func (d *deadStore) GetFeedStats(string, time.Time, time.Time) (*store.FeedStats, error) {
	return nil, d.fail()
}

func (d *deadStore) Ping(context.Context) error {
	return d.fail()
}

func TestHandleHealth_StoreUnavailable(t *testing.T) {
	srv := newTestServer(t, &deadStore{})

	rec := get(t, srv, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "unavailable", resp.Status)
}

// TestQueryEndpoints_StoreUnavailable verifies every read endpoint
// retries a failing store up to the bound, then degrades to a 503.
func TestQueryEndpoints_StoreUnavailable(t *testing.T) {
	for _, target := range []string{
		"/api/v1/entries",
		"/api/v1/syncs",
		"/api/v1/stats?feed=jobs",
	} {
		dead := &deadStore{}
		srv := newTestServer(t, dead)

		rec := get(t, srv, target)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
		require.Equal(t, storeRetryPolicy.MaxAttempts, dead.attempts, target)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "store unavailable", resp["error"], target)
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	db := openTestStore(t)
	logger := testutil.NewTestLogger()
	cfg := Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}
	srv := New(cfg, db, 10*time.Minute, logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	<-srv.Ready()
	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
