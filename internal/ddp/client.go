package ddp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"rocket-sync-lite/internal/logger"
)

const (
	writeTimeout        = 10 * time.Second
	defaultPingInterval = 25 * time.Second
	maxPayload          = 16 << 20
)

type Options struct {
	// PingInterval is the client keepalive period. The connection is
	// considered dead after two intervals without any inbound frame.
	PingInterval time.Duration
	Header       http.Header
	Dialer       *websocket.Dialer
	// Name prefixes log lines; usually the server hostname.
	Name string
}

type callResult struct {
	result json.RawMessage
	err    error
}

type Client struct {
	ws      *websocket.Conn
	name    string
	session string

	pingInterval time.Duration

	sendMu sync.Mutex

	mu          sync.Mutex
	pendingRPC  map[string]chan callResult
	pendingSub  map[string]chan error
	activeSubs  map[string]string
	handlers    map[int64]func(Event)
	nextHandler int64

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	errMu     sync.Mutex
	err       error
}

// Dial opens a websocket to url and performs the DDP handshake, resuming
// session when it is not empty.
func Dial(ctx context.Context, url, session string, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}

	ws, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxPayload)

	c := &Client{
		ws:           ws,
		name:         opts.Name,
		pingInterval: opts.PingInterval,
		pendingRPC:   make(map[string]chan callResult),
		pendingSub:   make(map[string]chan error),
		activeSubs:   make(map[string]string),
		handlers:     make(map[int64]func(Event)),
		done:         make(chan struct{}),
	}

	if err := c.handshake(ctx, session); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context, session string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	} else {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	}

	if err := c.writeJSON(connectFrame{Msg: "connect", Version: Version, Support: SupportedVersions, Session: session}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read connect response: %w", err)
		}
		switch gjson.GetBytes(data, "msg").Str {
		case "connected":
			c.session = gjson.GetBytes(data, "session").Str
			_ = c.ws.SetReadDeadline(time.Time{})
			return nil
		case "failed":
			return &ConnectError{Version: gjson.GetBytes(data, "version").Str}
		case "ping":
			c.pong(gjson.GetBytes(data, "id").Str)
		}
	}
}

// Session returns the session id the server assigned on connect.
func (c *Client) Session() string {
	return c.session
}

func (c *Client) Connected() bool {
	return !c.closed.Load()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// AddEventHandler registers fn for every pushed collection event. fn runs
// on the read goroutine and must not block.
func (c *Client) AddEventHandler(fn func(Event)) (remove func()) {
	c.mu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// RPC calls method with params, which must encode a JSON array. A timeout
// of zero waits until ctx is done or the connection closes.
func (c *Client) RPC(ctx context.Context, id, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}
	if !json.Valid(params) || !gjson.ParseBytes(params).IsArray() {
		return nil, fmt.Errorf("method %s: params must be a JSON array", method)
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pendingRPC[id] = ch
	c.mu.Unlock()

	if err := c.writeJSON(methodFrame{Msg: "method", ID: id, Method: method, Params: params}); err != nil {
		c.dropRPC(id)
		return nil, err
	}
	logger.DebugF("[%s] rpc %s id=%s", c.name, method, id)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer:
		c.dropRPC(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.dropRPC(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) dropRPC(id string) {
	c.mu.Lock()
	delete(c.pendingRPC, id)
	c.mu.Unlock()
}

// Subscribe starts a named subscription and waits for it to become ready.
func (c *Client) Subscribe(ctx context.Context, name string, params ...any) (string, error) {
	id := uuid.NewString()
	if params == nil {
		params = []any{}
	}

	ch := make(chan error, 1)
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.pendingSub[id] = ch
	c.activeSubs[id] = name
	c.mu.Unlock()

	if err := c.writeJSON(subFrame{Msg: "sub", ID: id, Name: name, Params: params}); err != nil {
		c.dropSub(id)
		return "", err
	}

	select {
	case err := <-ch:
		if err != nil {
			return "", err
		}
		logger.DebugF("[%s] subscription %s ready id=%s", c.name, name, id)
		return id, nil
	case <-ctx.Done():
		c.dropSub(id)
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	}
}

func (c *Client) dropSub(id string) {
	c.mu.Lock()
	delete(c.pendingSub, id)
	delete(c.activeSubs, id)
	c.mu.Unlock()
}

func (c *Client) Unsubscribe(_ context.Context, id string) error {
	c.dropSub(id)
	if c.closed.Load() {
		return ErrClosed
	}
	return c.writeJSON(idFrame{Msg: "unsub", ID: id})
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) pong(id string) {
	_ = c.writeJSON(idFrame{Msg: "pong", ID: id})
}

func (c *Client) readLoop() {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			logger.WarnF("[%s] ddp read failed: %v", c.name, err)
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	switch gjson.GetBytes(data, "msg").Str {
	case "ping":
		c.pong(gjson.GetBytes(data, "id").Str)
	case "pong":
	case "result":
		var f resultFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.WarnF("[%s] malformed result frame: %v", c.name, err)
			return
		}
		c.resolveRPC(f)
	case "ready":
		for _, id := range gjson.GetBytes(data, "subs").Array() {
			c.resolveSub(id.Str, nil)
		}
	case "nosub":
		var f nosubFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		c.mu.Lock()
		name := c.activeSubs[f.ID]
		c.mu.Unlock()
		subErr := &SubscriptionError{Name: name}
		if len(f.Error) > 0 && string(f.Error) != "null" {
			subErr.Err = parseRPCError(f.Error)
		}
		if !c.resolveSub(f.ID, subErr) && name != "" {
			logger.WarnF("[%s] %v", c.name, subErr)
		}
		c.dropSub(f.ID)
	case string(EventAdded), string(EventChanged), string(EventRemoved):
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.WarnF("[%s] malformed %s frame: %v", c.name, gjson.GetBytes(data, "msg").Str, err)
			return
		}
		c.dispatch(ev)
	case "error":
		logger.WarnF("[%s] server reported error: %s", c.name, gjson.GetBytes(data, "reason").Str)
	}
}

func (c *Client) resolveRPC(f resultFrame) {
	c.mu.Lock()
	ch := c.pendingRPC[f.ID]
	delete(c.pendingRPC, f.ID)
	c.mu.Unlock()
	if ch == nil {
		return
	}
	res := callResult{result: f.Result}
	if len(f.Error) > 0 && string(f.Error) != "null" {
		res = callResult{err: parseRPCError(f.Error)}
	}
	select {
	case ch <- res:
	default:
	}
}

func (c *Client) resolveSub(id string, err error) bool {
	c.mu.Lock()
	ch := c.pendingSub[id]
	delete(c.pendingSub, id)
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- err:
	default:
	}
	return true
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.handlers))
	for _, fn := range c.handlers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeJSON(idFrame{Msg: "ping", ID: uuid.NewString()}); err != nil && !errors.Is(err, ErrClosed) {
				logger.WarnF("[%s] ddp ping failed: %v", c.name, err)
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.mu.Lock()
		c.closed.Store(true)
		c.pendingRPC = make(map[string]chan callResult)
		c.pendingSub = make(map[string]chan error)
		c.mu.Unlock()

		c.sendMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.sendMu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}
