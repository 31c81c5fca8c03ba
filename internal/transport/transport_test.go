package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/broker"
	"github.com/roach88/sheetsync/internal/metrics"
	"github.com/roach88/sheetsync/internal/offline"
	"github.com/roach88/sheetsync/internal/testutil"
)

const testDoc = "sheet-1"

type testServer struct {
	*httptest.Server
	persister *testutil.MemPersister
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func newTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	p := testutil.NewMemPersister()
	p.AddDocument(testDoc, auth.ACL{
		"alice": auth.RoleOwner,
		"bob":   auth.RoleEditor,
		"carol": auth.RoleViewer,
	})

	reg := prometheus.NewRegistry()
	registry := broker.NewRegistry(context.Background(), p, metrics.New(reg))
	resolver := auth.NewStaticResolver(map[string]auth.Actor{
		"tok-alice": {ID: "alice", Name: "Alice"},
		"tok-bob":   {ID: "bob", Name: "Bob"},
		"tok-carol": {ID: "carol", Name: "Carol"},
		"tok-eve":   {ID: "eve", Name: "Eve"},
	})
	opts = append([]ServerOption{WithGatherer(reg)}, opts...)
	srv := httptest.NewServer(NewServer(registry, resolver, opts...).Handler())
	t.Cleanup(func() {
		srv.Close()
		registry.Close()
	})
	return &testServer{Server: srv, persister: p}
}

func dial(t *testing.T, s *testServer, token string, opts ...DialOption) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.wsURL(), token, testDoc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) broker.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed: %v", c.Err())
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return broker.Event{}
	}
}

func TestServer_MutationReachesEveryone(t *testing.T) {
	s := newTestServer(t)
	a := dial(t, s, "tok-alice", WithEvents(16))
	b := dial(t, s, "tok-bob", WithEvents(16))

	assert.Equal(t, int64(0), b.Bootstrap().Revision)

	rev, err := a.Mutate(context.Background(), 0, 0, "=2*21", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	for _, c := range []*Client{a, b} {
		ev := nextEvent(t, c)
		require.Equal(t, broker.EventDelta, ev.Type)
		assert.Equal(t, "42", ev.Delta.DisplayValue)
		assert.Equal(t, "2*21", ev.Delta.Formula)
		assert.Equal(t, int64(1), ev.Delta.Revision)
	}

	// A late joiner starts from the committed state.
	c := dial(t, s, "tok-carol")
	boot := c.Bootstrap()
	assert.Equal(t, int64(1), boot.Revision)
	require.Len(t, boot.Cells, 1)
	assert.Equal(t, "42", boot.Cells[0].DisplayValue)
}

func TestServer_RejectionGoesToCallerOnly(t *testing.T) {
	s := newTestServer(t)
	a := dial(t, s, "tok-alice", WithEvents(16))
	b := dial(t, s, "tok-bob", WithEvents(16))

	_, err := a.Mutate(context.Background(), 0, 0, "=A1", nil)
	require.Error(t, err)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, string(broker.CodeCircularReference), re.Code)
	assert.True(t, offline.IsRejected(err))

	// b sees the next commit first; nothing came from the rejection.
	_, err = a.Mutate(context.Background(), 5, 5, "ok", nil)
	require.NoError(t, err)
	ev := nextEvent(t, b)
	require.Equal(t, broker.EventDelta, ev.Type)
	assert.Equal(t, "ok", ev.Delta.RawValue)
}

func TestServer_AccessControl(t *testing.T) {
	s := newTestServer(t)

	_, err := Dial(context.Background(), s.wsURL(), "bogus", testDoc)
	assert.Error(t, err, "unknown token")

	_, err = Dial(context.Background(), s.wsURL(), "tok-eve", testDoc)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, string(broker.CodeAccessDenied), re.Code)

	_, err = Dial(context.Background(), s.wsURL(), "tok-alice", "missing")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, string(broker.CodeDocumentNotFound), re.Code)

	viewer := dial(t, s, "tok-carol")
	_, err = viewer.Mutate(context.Background(), 0, 0, "x", nil)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, string(broker.CodeAccessDenied), re.Code)
}

func TestServer_Cursors(t *testing.T) {
	s := newTestServer(t)
	a := dial(t, s, "tok-alice", WithEvents(16))
	b := dial(t, s, "tok-bob", WithEvents(16))

	require.NoError(t, a.UpdateCursor(3, 4))
	ev := nextEvent(t, b)
	require.Equal(t, broker.EventCursor, ev.Type)
	assert.Equal(t, broker.CursorPresence{
		UserID:   "alice",
		UserName: "Alice",
		Row:      3,
		Col:      4,
		Color:    broker.CursorColor("alice"),
	}, *ev.Cursor)

	require.NoError(t, a.Close())
	ev = nextEvent(t, b)
	assert.Equal(t, broker.EventCursorLeave, ev.Type)
	assert.Equal(t, "alice", ev.UserID)
}

func TestServer_HTTPRoutes(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	get := func(path, token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, get("/documents/"+testDoc, "bogus").StatusCode)
	assert.Equal(t, http.StatusForbidden, get("/documents/"+testDoc, "tok-eve").StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/documents/missing", "tok-alice").StatusCode)

	resp = get("/documents/"+testDoc, "tok-carol")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var boot broker.Bootstrap
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&boot))
	assert.Equal(t, testDoc, boot.DocumentID)

	resp = get("/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sheetsync_active_documents")
}

func TestServer_TokenQueryParameter(t *testing.T) {
	s := newTestServer(t)

	c, err := Dial(context.Background(), s.wsURL()+"?token=tok-bob", "", testDoc)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Mutate(context.Background(), 0, 0, "via query", nil)
	assert.NoError(t, err)
}

func TestServer_OriginCheck(t *testing.T) {
	handshake := func(s *testServer, origin string) int {
		t.Helper()
		h := http.Header{"Authorization": {"Bearer tok-bob"}}
		if origin != "" {
			h.Set("Origin", origin)
		}
		ws, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), h)
		if err == nil {
			ws.Close()
		}
		require.NotNil(t, resp)
		return resp.StatusCode
	}

	s := newTestServer(t)
	assert.Equal(t, http.StatusSwitchingProtocols, handshake(s, ""))
	assert.Equal(t, http.StatusSwitchingProtocols, handshake(s, s.URL))
	assert.Equal(t, http.StatusForbidden, handshake(s, "http://elsewhere.example"))

	listed := newTestServer(t, WithAllowedOrigins([]string{"http://app.example"}))
	assert.Equal(t, http.StatusSwitchingProtocols, handshake(listed, "http://app.example"))
	assert.Equal(t, http.StatusForbidden, handshake(listed, "http://elsewhere.example"))
}

func TestOfflineSync_OverPool(t *testing.T) {
	s := newTestServer(t)

	q, err := offline.Open(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	defer q.Close()
	for _, m := range []offline.PendingMutation{
		{DocumentID: testDoc, Row: 0, Col: 0, RawValue: "1"},
		{DocumentID: testDoc, Row: 0, Col: 1, RawValue: "=B1"},
		{DocumentID: "missing", Row: 0, Col: 0, RawValue: "lost"},
		{DocumentID: testDoc, Row: 0, Col: 1, RawValue: "=A1+1"},
	} {
		_, err := q.Enqueue(m)
		require.NoError(t, err)
	}

	r := offline.NewReplayer(q, offline.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	}))
	res, err := r.Sync(context.Background(), PoolDialer(s.wsURL(), "tok-bob"))
	require.NoError(t, err)
	assert.Equal(t, offline.Result{Applied: 2, Rejected: 2}, res)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	doc, ok := s.persister.Document(testDoc)
	require.True(t, ok)
	require.Len(t, doc.Cells, 2)
	assert.Equal(t, "2", doc.Cells[1].DisplayValue)
}
