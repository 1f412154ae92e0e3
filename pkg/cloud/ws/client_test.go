package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsuite/opsync/pkg/cloud"
	"github.com/opsuite/opsync/pkg/codec"
	"github.com/opsuite/opsync/pkg/faults"
	"github.com/opsuite/opsync/pkg/models"
)

// testServer speaks the RPC protocol over a real WebSocket so the client is
// exercised end to end, including frame encoding and response routing.
type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	cbor   *codec.CBOR
	handle func(req RPCRequest) (any, *RPCError)

	connMu sync.Mutex
	conn   *gorilla.Conn
}

func newTestServer(t *testing.T, handle func(req RPCRequest) (any, *RPCError)) *testServer {
	ts := &testServer{t: t, cbor: codec.NewCBOR(), handle: handle}
	upgrader := gorilla.Upgrader{Subprotocols: []string{"cbor"}}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ts.connMu.Lock()
		ts.conn = conn
		ts.connMu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req RPCRequest
			require.NoError(t, ts.cbor.Unmarshal(data, &req))

			result, rpcErr := ts.handle(req)
			env := envelope{ID: req.ID, Error: rpcErr}
			if result != nil {
				raw, err := ts.cbor.Marshal(result)
				require.NoError(t, err)
				env.Result = raw
			}
			out, err := ts.cbor.Marshal(env)
			require.NoError(t, err)
			require.NoError(t, conn.WriteMessage(gorilla.BinaryMessage, out))
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return strings.Replace(ts.srv.URL, "http", "ws", 1)
}

// pushFrame sends a server-initiated notification to the connected client.
func (ts *testServer) pushFrame(method string, result any) {
	raw, err := ts.cbor.Marshal(result)
	require.NoError(ts.t, err)
	out, err := ts.cbor.Marshal(envelope{Method: method, Result: raw})
	require.NoError(ts.t, err)

	ts.connMu.Lock()
	defer ts.connMu.Unlock()
	require.NoError(ts.t, ts.conn.WriteMessage(gorilla.BinaryMessage, out))
}

func connect(t *testing.T, ts *testServer) *Client {
	c := New(Params{BaseURL: ts.url(), Timeout: 5 * time.Second})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestClientAuthenticate(t *testing.T) {
	ts := newTestServer(t, func(req RPCRequest) (any, *RPCError) {
		if req.Method != methodSignIn {
			return nil, &RPCError{Code: CodeBadRequest, Message: "unexpected method"}
		}
		return models.Session{UserID: "u_1", Role: "owner", Token: "tok_1"}, nil
	})
	c := connect(t, ts)

	sess, err := c.Authenticate(context.Background(), cloud.Credentials{Identifier: "a@b.co", Secret: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "u_1", sess.UserID)
	assert.Equal(t, "tok_1", sess.Token)
}

func TestClientAuthErrorMapping(t *testing.T) {
	ts := newTestServer(t, func(req RPCRequest) (any, *RPCError) {
		return nil, &RPCError{Code: CodeUnauthorized, Message: "token expired"}
	})
	c := connect(t, ts)

	_, err := c.RefreshSession(context.Background(), "stale")
	require.Error(t, err)
	assert.Equal(t, faults.KindAuth, faults.KindOf(err))
}

func TestClientFetchSnapshot(t *testing.T) {
	updated := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	ts := newTestServer(t, func(req RPCRequest) (any, *RPCError) {
		return cloud.Snapshot{
			Records: []models.Record{{
				ID: "ct_1", CompanyID: "co_1", Kind: models.KindContact, UpdatedAt: updated,
			}},
			NewCursor: models.SyncCursor{CompanyID: "co_1", Token: "v2", LastAppliedAt: updated},
		}, nil
	})
	c := connect(t, ts)

	snap, err := c.FetchSnapshot(context.Background(), "co_1", models.SyncCursor{})
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "ct_1", snap.Records[0].ID)
	assert.Equal(t, "v2", snap.NewCursor.Token)
}

func TestClientSubscribeReceivesEvents(t *testing.T) {
	ts := newTestServer(t, func(req RPCRequest) (any, *RPCError) {
		switch req.Method {
		case methodSubscribe:
			return cloud.SubscriptionHandle("sub_1"), nil
		case methodUnsubscribe:
			return nil, nil
		}
		return nil, &RPCError{Code: CodeBadRequest, Message: "unexpected method"}
	})
	c := connect(t, ts)

	events := make(chan models.RemoteEvent, 1)
	handle, err := c.Subscribe(context.Background(), "co_1",
		func(ev models.RemoteEvent) { events <- ev }, nil)
	require.NoError(t, err)
	assert.Equal(t, cloud.SubscriptionHandle("sub_1"), handle)

	ts.pushFrame(pushEvent, eventPayload{
		Subscription: handle,
		Event: models.RemoteEvent{
			Action: models.UpdateAction,
			Record: models.Record{ID: "inv_1", CompanyID: "co_1", Kind: models.KindInvoice, UpdatedAt: time.Now().UTC()},
		},
	})

	select {
	case ev := <-events:
		assert.Equal(t, "inv_1", ev.Record.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}

	require.NoError(t, c.Unsubscribe(handle))
}

func TestClientUnsubscribeUnknownHandleIsNoop(t *testing.T) {
	ts := newTestServer(t, func(req RPCRequest) (any, *RPCError) {
		t.Errorf("no RPC expected for unknown handle, got %s", req.Method)
		return nil, nil
	})
	c := connect(t, ts)

	assert.NoError(t, c.Unsubscribe("never-subscribed"))
}

func TestClientSessionChangeFanout(t *testing.T) {
	ts := newTestServer(t, func(req RPCRequest) (any, *RPCError) {
		return models.Session{UserID: "u_1", Token: "t"}, nil
	})
	c := connect(t, ts)

	// Round trip once so the server has the connection registered.
	_, err := c.RefreshSession(context.Background(), "t")
	require.NoError(t, err)

	got := make(chan cloud.SessionChange, 2)
	cancel := c.OnSessionInvalidated(func(ch cloud.SessionChange) { got <- ch })

	ts.pushFrame(pushSession, cloud.SessionChange{Reason: cloud.SessionRevoked})

	select {
	case ch := <-got:
		assert.Equal(t, cloud.SessionRevoked, ch.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session change never delivered")
	}

	cancel()
	ts.pushFrame(pushSession, cloud.SessionChange{Reason: cloud.SessionRefreshed})
	select {
	case ch := <-got:
		t.Fatalf("callback fired after cancel: %+v", ch)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientSendAfterClose(t *testing.T) {
	ts := newTestServer(t, func(req RPCRequest) (any, *RPCError) { return nil, nil })
	c := connect(t, ts)
	require.NoError(t, c.Close(context.Background()))

	_, err := c.FetchSnapshot(context.Background(), "co_1", models.SyncCursor{})
	assert.Equal(t, faults.KindNetwork, faults.KindOf(err))
}
