// Package worker runs one server connection: it dials, registers the
// listener catalog on a single execution loop and tears everything down
// when the connection goes away.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rocket-sync-lite/internal/ddp"
	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/logger"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/selection"
	"rocket-sync-lite/internal/store"
)

const defaultDialTimeout = 15 * time.Second

var (
	ErrStarted = errors.New("worker already started")
	ErrClosed  = errors.New("worker closed")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRegistering
	StateActive
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type Config struct {
	ServerID string
	Hostname string
	// URL is the websocket endpoint, e.g. wss://chat.example.com/websocket.
	URL string
	// Servers holds the ServerConnection records; Store is this server's
	// own store.
	Servers   *store.Store
	Store     *store.Store
	Selection *selection.Cache

	PingInterval time.Duration
	DialTimeout  time.Duration
	Listener     listener.Options
	// Catalog defaults to Catalog().
	Catalog []listener.Factory
}

type Worker struct {
	cfg    Config
	loop   *listener.Loop
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	client *ddp.Client
	err    error

	// active is only touched on the loop.
	active []listener.Registrable

	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config) *Worker {
	if cfg.Catalog == nil {
		cfg.Catalog = Catalog()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Selection == nil {
		cfg.Selection = selection.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:    cfg,
		loop:   listener.NewLoop(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (w *Worker) ServerID() string {
	return w.cfg.ServerID
}

func (w *Worker) Hostname() string {
	return w.cfg.Hostname
}

func (w *Worker) Store() *store.Store {
	return w.cfg.Store
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err reports why the worker terminated, nil after a plain Close.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed once the worker reached StateTerminated.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) transition(from, to State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return false
	}
	w.state = to
	logger.DebugF("[%s] worker %s -> %s", w.cfg.Hostname, from, to)
	return true
}

// Start connects and registers every catalog module. It returns once the
// worker is active; a connect failure is recorded on the ServerConnection
// and terminates the worker.
func (w *Worker) Start(ctx context.Context) error {
	if !w.transition(StateIdle, StateConnecting) {
		return ErrStarted
	}
	if err := w.invalidateTokens(); err != nil {
		return w.fail(fmt.Errorf("invalidate tokens: %w", err))
	}
	session, err := w.markConnecting()
	if err != nil {
		return w.fail(fmt.Errorf("mark connecting: %w", err))
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	stop := context.AfterFunc(w.ctx, cancel)
	client, err := ddp.Dial(dialCtx, w.cfg.URL, session, ddp.Options{
		PingInterval: w.cfg.PingInterval,
		Name:         w.cfg.Hostname,
	})
	stop()
	cancel()
	if err != nil {
		return w.fail(err)
	}

	if err := w.saveSession(client.Session()); err != nil {
		_ = client.Close()
		return w.fail(fmt.Errorf("save session: %w", err))
	}

	w.mu.Lock()
	if w.state != StateConnecting {
		w.mu.Unlock()
		_ = client.Close()
		return ErrClosed
	}
	w.client = client
	w.state = StateRegistering
	go w.loop.Run()
	w.mu.Unlock()

	env := &listener.Env{
		Ctx:       w.ctx,
		Hostname:  w.cfg.Hostname,
		Store:     w.cfg.Store,
		Client:    client,
		Exec:      w.loop,
		Selection: w.cfg.Selection,
		Options:   w.cfg.Listener,
	}
	if !w.loop.Call(func() { w.register(env) }) {
		return ErrClosed
	}
	if !w.transition(StateRegistering, StateActive) {
		return ErrClosed
	}
	if err := w.setConnectionState(model.StateConnected, nil); err != nil {
		logger.ErrorF("[%s] save connection state failed: %v", w.cfg.Hostname, err)
	}
	logger.InfoF("[%s] worker active, session %s", w.cfg.Hostname, client.Session())

	go w.watch(client)
	return nil
}

// register builds the whole catalog before registering anything, so every
// queue has reset its leftover SYNCING records before any module runs.
// It does nothing once Close started, since unregister may already have run.
func (w *Worker) register(env *listener.Env) {
	if len(w.active) > 0 || w.State() != StateRegistering {
		return
	}
	modules := make([]listener.Registrable, 0, len(w.cfg.Catalog))
	for _, factory := range w.cfg.Catalog {
		modules = append(modules, factory(env))
	}
	for _, m := range modules {
		m.Register()
	}
	w.active = modules
}

func (w *Worker) unregister() {
	for i := len(w.active) - 1; i >= 0; i-- {
		w.active[i].Unregister()
	}
	w.active = nil
}

func (w *Worker) watch(client *ddp.Client) {
	select {
	case <-client.Done():
		err := client.Err()
		if err == nil {
			err = ddp.ErrClosed
		}
		logger.WarnF("[%s] connection lost: %v", w.cfg.Hostname, err)
		if w.State() == StateActive {
			if serr := w.setConnectionState(model.StateConnectionError, err); serr != nil {
				logger.ErrorF("[%s] save connection state failed: %v", w.cfg.Hostname, serr)
			}
		}
		w.terminate(err)
	case <-w.done:
	}
}

// KeepAlive closes the worker when its socket died while the server is
// still recorded as connected. It does nothing for a live connection.
func (w *Worker) KeepAlive() {
	w.mu.Lock()
	state, client := w.state, w.client
	w.mu.Unlock()
	if state != StateActive || client == nil || client.Connected() {
		return
	}

	err := w.cfg.Servers.Update(func(tx *store.Tx) error {
		conn, err := store.Get[model.ServerConnection](tx, w.cfg.ServerID)
		if err != nil {
			return err
		}
		if conn.State != model.StateConnected {
			return nil
		}
		conn.State = model.StateReady
		conn.UpdatedAt = time.Now().UnixMilli()
		return tx.Put(conn)
	})
	if err != nil {
		logger.ErrorF("[%s] keepalive: %v", w.cfg.Hostname, err)
	}
	logger.WarnF("[%s] keepalive found a dead socket, closing worker", w.cfg.Hostname)
	w.Close()
}

// Close unregisters every module in reverse order and closes the client.
// It is safe to call more than once and from any goroutine but the loop.
func (w *Worker) Close() {
	w.terminate(nil)
}

func (w *Worker) terminate(cause error) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		prev := w.state
		w.state = StateClosing
		client := w.client
		if cause != nil {
			w.err = cause
		}
		w.mu.Unlock()
		logger.DebugF("[%s] worker %s -> %s", w.cfg.Hostname, prev, StateClosing)

		if prev == StateRegistering || prev == StateActive {
			w.loop.Call(w.unregister)
		}
		if client != nil {
			_ = client.Close()
		}
		w.cancel()
		w.loop.Stop()

		w.mu.Lock()
		w.state = StateTerminated
		w.mu.Unlock()
		close(w.done)
		logger.InfoF("[%s] worker terminated", w.cfg.Hostname)
	})
}

func (w *Worker) fail(err error) error {
	logger.ErrorF("[%s] connect failed: %v", w.cfg.Hostname, err)
	if serr := w.setConnectionState(model.StateConnectionError, err); serr != nil {
		logger.ErrorF("[%s] save connection state failed: %v", w.cfg.Hostname, serr)
	}
	w.terminate(err)
	return err
}

// invalidateTokens drops the verified flag and error of every session, so
// the token is checked against the server again.
func (w *Worker) invalidateTokens() error {
	return w.cfg.Store.Update(func(tx *store.Tx) error {
		for _, s := range store.Find[model.Session](tx, func(s model.Session) bool {
			return s.TokenVerified || s.Error != ""
		}) {
			s.TokenVerified = false
			s.Error = ""
			if err := tx.Put(s); err != nil {
				return err
			}
		}
		return nil
	})
}

// markConnecting returns the session to resume.
func (w *Worker) markConnecting() (string, error) {
	var session string
	err := w.cfg.Servers.Update(func(tx *store.Tx) error {
		conn, err := store.Get[model.ServerConnection](tx, w.cfg.ServerID)
		if errors.Is(err, store.ErrNotFound) {
			conn = model.ServerConnection{ID: w.cfg.ServerID, Hostname: w.cfg.Hostname}
		} else if err != nil {
			return err
		}
		session = conn.Session
		conn.State = model.StateConnecting
		conn.UpdatedAt = time.Now().UnixMilli()
		return tx.Put(conn)
	})
	return session, err
}

func (w *Worker) saveSession(session string) error {
	err := w.cfg.Servers.Update(func(tx *store.Tx) error {
		conn, err := store.Get[model.ServerConnection](tx, w.cfg.ServerID)
		if err != nil {
			return err
		}
		conn.Session = session
		conn.LastError = ""
		conn.UpdatedAt = time.Now().UnixMilli()
		return tx.Put(conn)
	})
	if err != nil {
		return err
	}
	return w.cfg.Store.Update(func(tx *store.Tx) error {
		if _, err := store.Get[model.Session](tx, model.DefaultSessionID); err == nil {
			return nil
		}
		return tx.Put(model.Session{ID: model.DefaultSessionID})
	})
}

func (w *Worker) setConnectionState(state model.ConnectionState, cause error) error {
	return w.cfg.Servers.Update(func(tx *store.Tx) error {
		conn, err := store.Get[model.ServerConnection](tx, w.cfg.ServerID)
		if errors.Is(err, store.ErrNotFound) {
			conn = model.ServerConnection{ID: w.cfg.ServerID, Hostname: w.cfg.Hostname}
		} else if err != nil {
			return err
		}
		conn.State = state
		if cause != nil {
			conn.LastError = cause.Error()
		}
		conn.UpdatedAt = time.Now().UnixMilli()
		return tx.Put(conn)
	})
}
