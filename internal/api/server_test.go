package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-enrichment/internal/cache"
	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/progress"
	"github.com/JakeFAU/venue-enrichment/internal/ratelimit"
	"github.com/JakeFAU/venue-enrichment/internal/scheduler"
	"github.com/JakeFAU/venue-enrichment/internal/store/memory"
	"github.com/JakeFAU/venue-enrichment/internal/watchdog"
)

func TestServer_SubmitSession_Accepted(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{id: "session-1"}
	server := NewServer(Deps{Store: newMemoryStore(), Runner: runner}, Options{}, zap.NewNop())

	body := `{"name":"bars","items":[{"name":"Blue Bar","address":"1 Main St"},{"name":"Red Bar","endpoints":{"website":"https://red.example"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "session-1")
	require.Equal(t, "bars", runner.lastName())
	items := runner.lastItems()
	require.Len(t, items, 2)
	require.Equal(t, "https://red.example", items[1].Endpoint("website"))
}

func TestServer_SubmitSession_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "invalid JSON"},
		{name: "no items", body: `{"items":[]}`, want: "items required"},
		{name: "blank name", body: `{"items":[{"name":"  "}]}`, want: "item 0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{id: "unused"}
			server := NewServer(Deps{Store: newMemoryStore(), Runner: runner}, Options{}, zap.NewNop())
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()

			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
			require.Empty(t, runner.lastItems())
		})
	}
}

func TestServer_SubmitSession_RunnerError(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: errors.New("store offline")}
	server := NewServer(Deps{Store: newMemoryStore(), Runner: runner}, Options{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(`{"items":[{"name":"a"}]}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "store offline")
}

func TestServer_GetSession_IncludesStatsAndProgress(t *testing.T) {
	t.Parallel()

	st := newMemoryStore()
	ctx := context.Background()
	id, err := st.CreateSession(ctx, "bars", 2)
	require.NoError(t, err)
	itemIDs, err := st.InsertWorkItems(ctx, id, []enrich.WorkItem{{Name: "a"}, {Name: "b"}})
	require.NoError(t, err)
	require.NoError(t, st.RecordResult(ctx, itemIDs[0], enrich.ExtractionResult{OverallSuccess: true}))

	runner := &fakeRunner{snapshots: map[string]progress.Snapshot{id: {Total: 2, Completed: 1}}}
	server := NewServer(Deps{Store: st, Runner: runner}, Options{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, enrich.SessionProcessing, resp.Session.Status)
	assert.Equal(t, 1, resp.Stats.Completed)
	assert.Equal(t, 1, resp.Stats.Pending)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 1, resp.Progress.Completed)
}

func TestServer_GetSession_NotFound(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Store: newMemoryStore(), Runner: &fakeRunner{}}, Options{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListSessions(t *testing.T) {
	t.Parallel()

	st := newMemoryStore()
	ctx := context.Background()
	active, err := st.CreateSession(ctx, "active", 1)
	require.NoError(t, err)
	done, err := st.CreateSession(ctx, "done", 1)
	require.NoError(t, err)
	require.NoError(t, st.FinalizeSession(ctx, done, enrich.SessionCompleted, 1))
	server := NewServer(Deps{Store: st}, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), active)
	require.NotContains(t, rec.Body.String(), done)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions?status=completed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), done)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions?status=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunWatchdog(t *testing.T) {
	t.Parallel()

	st := newMemoryStore()
	id, err := st.CreateSession(context.Background(), "stale", 0)
	require.NoError(t, err)
	wd := watchdog.New(st, watchdog.Config{InactivityThreshold: time.Nanosecond},
		watchdog.WithClock(fixedClock{now: time.Now().Add(time.Hour)}))
	server := NewServer(Deps{Store: st, Watchdog: wd}, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/watchdog/run", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	sess, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, enrich.SessionFailed, sess.Status)
}

func TestServer_RateLimitsAndCache(t *testing.T) {
	t.Parallel()

	limits := ratelimit.NewRegistry(ratelimit.DefaultConfig(), nil)
	limits.Get("places")
	c := cache.New(time.Hour)
	key, err := c.Key("places", enrich.WorkItem{Name: "Blue Bar"})
	require.NoError(t, err)
	c.Set(key, enrich.Payload{"name": "Blue Bar"}, 0)
	server := NewServer(Deps{Limits: limits, Cache: c}, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimits", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"source":"places"`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"size":1`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/cache", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Zero(t, c.Stats().Size)
}

func TestServer_OptionalDepsMissing(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{}, Options{}, nil)
	for _, target := range []string{"/v1/ratelimits", "/v1/cache/stats", "/v1/sessions/x"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Store: newMemoryStore(), Runner: &fakeRunner{}}, Options{}, zap.NewNop())
	for _, target := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code, target)
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Store: newMemoryStore()}, Options{APIKey: "secret"}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	handler := timeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResponseWriter_Hijack(t *testing.T) {
	t.Parallel()

	rec := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	conn, _, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, rec.CloseClient())

	plain := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err = plain.Hijack()
	require.Error(t, err)
}

type fakeRunner struct {
	mu        sync.Mutex
	id        string
	err       error
	name      string
	items     []enrich.WorkItem
	snapshots map[string]progress.Snapshot
}

func (f *fakeRunner) Submit(_ context.Context, name string, items []enrich.WorkItem) (string, <-chan scheduler.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", nil, f.err
	}
	f.name = name
	f.items = items
	done := make(chan scheduler.Report, 1)
	done <- scheduler.Report{SessionID: f.id}
	close(done)
	return f.id, done, nil
}

func (f *fakeRunner) Progress(sessionID string) (progress.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[sessionID]
	return snap, ok
}

func (f *fakeRunner) lastName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

func (f *fakeRunner) lastItems() []enrich.WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

func newMemoryStore() *memory.Store {
	return memory.New(fixedClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}, &seqIDs{})
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
