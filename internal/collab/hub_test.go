package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaylive/internal/auth"
	"github.com/agentworkforce/relaylive/internal/broadcast"
	"github.com/agentworkforce/relaylive/internal/docsession"
	"github.com/agentworkforce/relaylive/internal/lifecycle"
	"github.com/agentworkforce/relaylive/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type denyAll struct{}

func (denyAll) Authenticate(context.Context, auth.Handshake) (auth.Identity, error) {
	return auth.Identity{}, &auth.AuthError{Status: http.StatusForbidden, Code: "forbidden", Message: "not a member", Err: auth.ErrAuthRejected}
}

type fixture struct {
	store *docsession.Store
	hub   *Hub
	url   string
}

func newFixture(t *testing.T, gate Authenticator) *fixture {
	t.Helper()
	store := docsession.NewStore(docsession.StoreOptions{Snapshots: docsession.NewMemorySnapshotStore(), Logger: logging.Nop()})
	hub := NewHub(Options{Sessions: store, Gate: gate, OriginPatterns: []string{"*"}, Logger: logging.Nop()})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adm, err := hub.Admit(r, strings.TrimPrefix(r.URL.Path, "/collaboration/"))
		if err != nil {
			status := http.StatusBadRequest
			var authErr *auth.AuthError
			if errors.As(err, &authErr) {
				status = authErr.Status
			}
			http.Error(w, err.Error(), status)
			return
		}
		hub.Serve(w, r, adm)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Close(ctx)
		srv.Close()
		_ = store.Close()
	})
	return &fixture{store: store, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *fixture) open(t *testing.T, documentID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.url+"/collaboration/"+documentID+"?workspaceSlug=acme", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	var synced frame
	require.NoError(t, wsjson.Read(ctx, conn, &synced))
	require.Equal(t, "synced", synced.Type)
	require.Equal(t, documentID, synced.DocumentID)
	return conn
}

func TestOpenDocumentHoldsSession(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.open(t, "P1")
	assert.True(t, f.store.Loaded("P1"))
	assert.Equal(t, 1, f.store.Refcount("P1"))
	assert.True(t, f.hub.HasChannel("P1"))
	assert.Equal(t, map[string]int{"P1": 1}, f.hub.Editors())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		return f.store.Refcount("P1") == 0 && !f.hub.HasChannel("P1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcasterReachesOpenEditors(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.open(t, "P1")

	env := lifecycle.EnvelopeOf(lifecycle.Deleted{Header: lifecycle.Header{
		Action: lifecycle.ActionDeleted,
		PageID: "P9",
		Scope:  lifecycle.Scope{WorkspaceSlug: "acme"},
	}})
	result := broadcast.New(f.hub, logging.Nop()).Broadcast(context.Background(), []string{"P1", "P2"}, env)
	assert.Equal(t, []string{"P1"}, result.Delivered)
	assert.Equal(t, []string{"P2"}, result.Skipped)
	assert.Empty(t, result.Failed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got broadcast.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "page:deleted", got.Event)
	assert.Equal(t, "P9", got.Data.PageID)
}

func TestSnapshotRequest(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.open(t, "P1")
	_, err := f.store.Transact("P1", func(doc docsession.CollaborativeDocument) (any, error) {
		return nil, doc.Tree(docsession.DefaultTree).Insert(0, docsession.Node{Type: "paragraph", Content: []docsession.Node{{Type: "text", Text: "hello"}}})
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "snapshot"}))
	var got frame
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, "snapshot", got.Type)
	require.NotNil(t, got.Snapshot)
	assert.Contains(t, got.Snapshot.HTML, "hello")
	assert.NotEmpty(t, got.Snapshot.Binary)
}

func TestPingIsAnswered(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.open(t, "P1")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))
	var got frame
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "pong", got.Type)
}

func TestRejectedOpenTakesNoReference(t *testing.T) {
	cases := []struct {
		name   string
		gate   Authenticator
		query  string
		status int
	}{
		{"missing workspace", nil, "", http.StatusBadRequest},
		{"gate rejects", denyAll{}, "?workspaceSlug=acme", http.StatusForbidden},
		{"invalid document id", nil, "?workspaceSlug=acme&x=1", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.gate)
			documentID := "P1"
			if tc.name == "invalid document id" {
				documentID = "bad%20id"
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, resp, err := websocket.Dial(ctx, f.url+"/collaboration/"+documentID+tc.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, docsession.StoreStats{}, f.store.Stats())
		})
	}
}

func TestDeliverDropsSlowEditor(t *testing.T) {
	hub := NewHub(Options{Logger: logging.Nop()})
	ed := newEditor("e1", "P1", nil, 1)
	require.True(t, hub.register(ed))

	n, err := hub.Deliver(context.Background(), "P1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = hub.Deliver(context.Background(), "P1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	select {
	case <-ed.closed:
	default:
		t.Fatal("editor with a full buffer should be shut down")
	}
	assert.Equal(t, websocket.StatusTryAgainLater, ed.closeCode)

	hub.unregister(ed)
	hub.active.Done()
	assert.False(t, hub.HasChannel("P1"))
}
