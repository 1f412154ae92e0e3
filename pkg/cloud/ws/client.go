// Package ws implements the cloud.Service contract as RPC over a WebSocket
// connection with CBOR-encoded envelopes. Responses are routed back to
// callers by request id; server-initiated notifications (record events,
// session changes) are fanned out to registered handlers.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/opsuite/opsync/pkg/cloud"
	"github.com/opsuite/opsync/pkg/codec"
	"github.com/opsuite/opsync/pkg/faults"
	"github.com/opsuite/opsync/pkg/logger"
	"github.com/opsuite/opsync/pkg/models"
)

// DefaultDialer is the gorilla dialer used by Client. It differs from
// gorilla's default in enabling compression and announcing the cbor
// subprotocol.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

// DefaultTimeout bounds the wait for an RPC response after the request was
// written successfully.
const DefaultTimeout = 30 * time.Second

var errClosed = errors.New("connection closed")

// Params configures a Client. Marshaler and Unmarshaler default to the CBOR
// codec, Logger to the slog text handler.
type Params struct {
	BaseURL     string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger
	Timeout     time.Duration
}

type subscriber struct {
	onEvent cloud.EventHandler
	onError cloud.ErrorHandler
}

// Client is a cloud.Service over one WebSocket connection.
type Client struct {
	baseURL     string
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	logger      logger.Logger
	timeout     time.Duration

	conn      *gorilla.Conn
	writeLock sync.Mutex

	responseChannels map[string]chan envelope
	responseLock     sync.RWMutex

	subscribers map[cloud.SubscriptionHandle]subscriber
	subLock     sync.RWMutex

	sessionCallbacks map[int]func(cloud.SessionChange)
	sessionCBSeq     int
	sessionLock      sync.RWMutex

	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ cloud.Service = (*Client)(nil)

// New creates a disconnected Client; call Connect before use.
func New(p Params) *Client {
	if p.Marshaler == nil || p.Unmarshaler == nil {
		c := codec.NewCBOR()
		if p.Marshaler == nil {
			p.Marshaler = c
		}
		if p.Unmarshaler == nil {
			p.Unmarshaler = c
		}
	}
	if p.Logger == nil {
		p.Logger = logger.Default()
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL:          p.BaseURL,
		marshaler:        p.Marshaler,
		unmarshaler:      p.Unmarshaler,
		logger:           p.Logger,
		timeout:          p.Timeout,
		responseChannels: make(map[string]chan envelope),
		subscribers:      make(map[cloud.SubscriptionHandle]subscriber),
		sessionCallbacks: make(map[int]func(cloud.SessionChange)),
		closeCh:          make(chan struct{}),
	}
}

// Connect dials the endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.baseURL == "" {
		return errors.New("base url not set")
	}

	conn, res, err := DefaultDialer.DialContext(ctx, fmt.Sprintf("%s/rpc", c.baseURL), nil)
	if err != nil {
		return &faults.NetworkError{Op: "connect", Err: err}
	}
	defer res.Body.Close()

	c.conn = conn
	go c.readLoop()
	return nil
}

// Close tears down the connection. Pending Send calls fail with a network
// error; subscription handlers receive a final error callback.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if c.conn == nil {
			return
		}

		// Best effort: let the server know we're going away, but never
		// block teardown on an unreliable network.
		writeErr := make(chan error, 1)
		go func() {
			c.writeLock.Lock()
			defer c.writeLock.Unlock()
			writeErr <- c.conn.WriteMessage(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
		}()
		select {
		case werr := <-writeErr:
			if werr != nil {
				c.logger.Debug("close message write failed", "error", werr)
			}
		case <-ctx.Done():
		}

		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(&faults.NetworkError{Op: "read", Err: err})
			return
		}

		var env envelope
		if err := c.unmarshaler.Unmarshal(data, &env); err != nil {
			c.logger.Error("dropping undecodable frame", "error", err)
			continue
		}

		switch {
		case env.Method == pushEvent:
			c.handleEvent(env)
		case env.Method == pushSession:
			c.handleSessionChange(env)
		case env.ID != "":
			c.routeResponse(env)
		default:
			c.logger.Warn("frame with neither id nor method", "method", env.Method)
		}
	}
}

type eventPayload struct {
	Subscription cloud.SubscriptionHandle `cbor:"subscription"`
	Event        models.RemoteEvent       `cbor:"event"`
}

func (c *Client) handleEvent(env envelope) {
	var payload eventPayload
	if err := c.unmarshaler.Unmarshal(env.Result, &payload); err != nil {
		c.logger.Error("dropping undecodable event", "error", err)
		return
	}

	c.subLock.RLock()
	sub, ok := c.subscribers[payload.Subscription]
	c.subLock.RUnlock()
	if !ok {
		// Late event for a torn-down subscription; at-least-once delivery
		// makes this normal after unsubscribe.
		c.logger.Debug("event for unknown subscription", "handle", payload.Subscription)
		return
	}
	sub.onEvent(payload.Event)
}

func (c *Client) handleSessionChange(env envelope) {
	var change cloud.SessionChange
	if err := c.unmarshaler.Unmarshal(env.Result, &change); err != nil {
		c.logger.Error("dropping undecodable session change", "error", err)
		return
	}

	c.sessionLock.RLock()
	cbs := make([]func(cloud.SessionChange), 0, len(c.sessionCallbacks))
	for _, cb := range c.sessionCallbacks {
		cbs = append(cbs, cb)
	}
	c.sessionLock.RUnlock()

	for _, cb := range cbs {
		cb(change)
	}
}

func (c *Client) routeResponse(env envelope) {
	c.responseLock.RLock()
	ch, ok := c.responseChannels[env.ID]
	c.responseLock.RUnlock()
	if !ok {
		c.logger.Debug("response for unknown request", "id", env.ID)
		return
	}
	ch <- env
}

// failAll wakes every pending caller and subscription after the connection
// died.
func (c *Client) failAll(err error) {
	c.responseLock.Lock()
	for id, ch := range c.responseChannels {
		close(ch)
		delete(c.responseChannels, id)
	}
	c.responseLock.Unlock()

	c.subLock.RLock()
	subs := make([]subscriber, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}
	c.subLock.RUnlock()

	select {
	case <-c.closeCh:
		// Deliberate teardown; subscribers are not told about an error
		// they caused themselves by closing.
		return
	default:
	}

	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

func (c *Client) createResponseChannel(id string) chan envelope {
	ch := make(chan envelope, 1)
	c.responseLock.Lock()
	c.responseChannels[id] = ch
	c.responseLock.Unlock()
	return ch
}

func (c *Client) removeResponseChannel(id string) {
	c.responseLock.Lock()
	delete(c.responseChannels, id)
	c.responseLock.Unlock()
}

// send performs one RPC round trip, decoding the result into dest when dest
// is non-nil.
func (c *Client) send(ctx context.Context, dest any, method string, params ...any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case <-c.closeCh:
		return &faults.NetworkError{Op: method, Err: errClosed}
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	id := uuid.NewString()
	req := &RPCRequest{ID: id, Method: method, Params: params}

	ch := c.createResponseChannel(id)
	defer c.removeResponseChannel(id)

	if err := c.write(req); err != nil {
		return &faults.NetworkError{Op: method, Err: err}
	}

	select {
	case <-ctx.Done():
		return &faults.NetworkError{Op: method, Err: ctx.Err()}
	case <-c.closeCh:
		return &faults.NetworkError{Op: method, Err: errClosed}
	case env, open := <-ch:
		if !open {
			return &faults.NetworkError{Op: method, Err: errClosed}
		}
		if env.Error != nil {
			return mapRPCError(method, env.Error)
		}
		if dest == nil || env.Result == nil {
			return nil
		}
		if err := c.unmarshaler.Unmarshal(env.Result, dest); err != nil {
			return fmt.Errorf("%s: error unmarshaling response: %w", method, err)
		}
		return nil
	}
}

func (c *Client) write(req *RPCRequest) error {
	if c.conn == nil {
		return errClosed
	}
	data, err := c.marshaler.Marshal(req)
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteMessage(gorilla.BinaryMessage, data)
}

// mapRPCError folds server error codes into the shared taxonomy.
func mapRPCError(op string, rpcErr *RPCError) error {
	switch rpcErr.Code {
	case CodeUnauthorized, CodeForbidden:
		return &faults.AuthError{Op: op, Err: rpcErr}
	default:
		return rpcErr
	}
}

// FetchSnapshot implements cloud.Service.
func (c *Client) FetchSnapshot(ctx context.Context, tenantID string, cursor models.SyncCursor) (*cloud.Snapshot, error) {
	var snap cloud.Snapshot
	if err := c.send(ctx, &snap, methodSnapshot, tenantID, cursor); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PushRecords implements cloud.Service.
func (c *Client) PushRecords(ctx context.Context, tenantID string, records []models.Record) (*cloud.PushResult, error) {
	var res cloud.PushResult
	if err := c.send(ctx, &res, methodPush, tenantID, records); err != nil {
		return nil, err
	}
	return &res, nil
}

// Subscribe implements cloud.Service. The server assigns the handle and
// begins delivery only after acknowledging the subscribe call.
func (c *Client) Subscribe(ctx context.Context, tenantID string, onEvent cloud.EventHandler, onError cloud.ErrorHandler) (cloud.SubscriptionHandle, error) {
	var handle cloud.SubscriptionHandle
	if err := c.send(ctx, &handle, methodSubscribe, tenantID); err != nil {
		return "", err
	}

	c.subLock.Lock()
	c.subscribers[handle] = subscriber{onEvent: onEvent, onError: onError}
	c.subLock.Unlock()

	return handle, nil
}

// Unsubscribe implements cloud.Service. Unknown handles are a no-op so
// teardown paths can call this unconditionally.
func (c *Client) Unsubscribe(handle cloud.SubscriptionHandle) error {
	c.subLock.Lock()
	_, known := c.subscribers[handle]
	delete(c.subscribers, handle)
	c.subLock.Unlock()

	if !known {
		return nil
	}

	err := c.send(context.Background(), nil, methodUnsubscribe, handle)
	if faults.KindOf(err) == faults.KindNetwork {
		// The connection is gone, and with it the subscription.
		return nil
	}
	return err
}

// Authenticate implements cloud.Service.
func (c *Client) Authenticate(ctx context.Context, creds cloud.Credentials) (*models.Session, error) {
	var sess models.Session
	if err := c.send(ctx, &sess, methodSignIn, creds); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SignUp implements cloud.Service.
func (c *Client) SignUp(ctx context.Context, details cloud.SignUpDetails) (*models.Session, error) {
	var sess models.Session
	if err := c.send(ctx, &sess, methodSignUp, details); err != nil {
		return nil, err
	}
	return &sess, nil
}

// RefreshSession implements cloud.Service.
func (c *Client) RefreshSession(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	if err := c.send(ctx, &sess, methodRefresh, token); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Invalidate implements cloud.Service.
func (c *Client) Invalidate(ctx context.Context, token string) error {
	return c.send(ctx, nil, methodInvalidate, token)
}

// OnSessionInvalidated implements cloud.Service.
func (c *Client) OnSessionInvalidated(cb func(cloud.SessionChange)) (cancel func()) {
	c.sessionLock.Lock()
	c.sessionCBSeq++
	key := c.sessionCBSeq
	c.sessionCallbacks[key] = cb
	c.sessionLock.Unlock()

	return func() {
		c.sessionLock.Lock()
		delete(c.sessionCallbacks, key)
		c.sessionLock.Unlock()
	}
}
