package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/logger"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/selection"
	"rocket-sync-lite/internal/store"
)

const (
	defaultKeepAlive      = 30 * time.Second
	defaultReconnectDelay = 5 * time.Second
)

type SupervisorOptions struct {
	// Insecure dials ws:// instead of wss://.
	Insecure bool
	// ResumeToken seeds the default session of servers that have none.
	ResumeToken    string
	KeepAlive      time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	DialTimeout    time.Duration
	Listener       listener.Options
	Catalog        []listener.Factory
}

// Supervisor keeps one worker running per server: it starts a fresh
// worker after the previous one terminated and drives KeepAlive.
type Supervisor struct {
	manager   *store.Manager
	selection *selection.Cache
	opts      SupervisorOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*Worker
}

func NewSupervisor(manager *store.Manager, sel *selection.Cache, opts SupervisorOptions) *Supervisor {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if sel == nil {
		sel = selection.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		manager:   manager,
		selection: sel,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*Worker),
	}
}

// Add supervises hostname and returns its server id. Adding a hostname
// that is already supervised returns the existing id.
func (s *Supervisor) Add(ctx context.Context, hostname string) (string, error) {
	if s.ctx.Err() != nil {
		return "", ErrClosed
	}
	id, err := s.ensureServer(hostname)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, ok := s.workers[id]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.workers[id] = nil
	s.mu.Unlock()

	st, err := s.manager.ForServer(ctx, id)
	if err != nil {
		s.mu.Lock()
		delete(s.workers, id)
		s.mu.Unlock()
		return "", fmt.Errorf("open store for %s: %w", hostname, err)
	}
	if err := s.seedSession(st); err != nil {
		logger.WarnF("[%s] seed session failed: %v", hostname, err)
	}

	s.wg.Add(1)
	go s.supervise(id, hostname, st)
	return id, nil
}

// Worker returns the current worker of serverID, if one is running.
func (s *Supervisor) Worker(serverID string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workers[serverID]
	return w, w != nil
}

func (s *Supervisor) Servers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke stops every worker and waits for the supervising goroutines.
func (s *Supervisor) Invoke(ctx context.Context) error {
	s.cancel()
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) supervise(id, hostname string, st *store.Store) {
	defer s.wg.Done()
	for {
		w := New(Config{
			ServerID:     id,
			Hostname:     hostname,
			URL:          websocketURL(hostname, s.opts.Insecure),
			Servers:      s.manager.Default(),
			Store:        st,
			Selection:    s.selection,
			PingInterval: s.opts.PingInterval,
			DialTimeout:  s.opts.DialTimeout,
			Listener:     s.opts.Listener,
			Catalog:      s.opts.Catalog,
		})
		s.mu.Lock()
		s.workers[id] = w
		s.mu.Unlock()

		if err := w.Start(s.ctx); err == nil {
			s.run(w)
		} else if !errors.Is(err, ErrClosed) {
			logger.WarnF("[%s] worker did not start: %v", hostname, err)
		}

		select {
		case <-s.ctx.Done():
			w.Close()
			return
		case <-time.After(s.opts.ReconnectDelay):
			logger.InfoF("[%s] reconnecting", hostname)
		}
	}
}

func (s *Supervisor) run(w *Worker) {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.KeepAlive()
		case <-w.Done():
			return
		case <-s.ctx.Done():
			w.Close()
			return
		}
	}
}

func (s *Supervisor) ensureServer(hostname string) (string, error) {
	var id string
	err := s.manager.Default().Update(func(tx *store.Tx) error {
		if conn, ok := store.First[model.ServerConnection](tx, func(c model.ServerConnection) bool {
			return c.Hostname == hostname
		}); ok {
			id = conn.ID
			return nil
		}
		id = model.NewID()
		return tx.Put(model.ServerConnection{
			ID:        id,
			Hostname:  hostname,
			State:     model.StateReady,
			UpdatedAt: time.Now().UnixMilli(),
		})
	})
	return id, err
}

func (s *Supervisor) seedSession(st *store.Store) error {
	if s.opts.ResumeToken == "" {
		return nil
	}
	return st.Update(func(tx *store.Tx) error {
		session, err := store.Get[model.Session](tx, model.DefaultSessionID)
		if err == nil && session.Token != "" {
			return nil
		}
		return tx.Put(model.Session{ID: model.DefaultSessionID, Token: s.opts.ResumeToken})
	})
}

func websocketURL(hostname string, insecure bool) string {
	if u, err := url.Parse(hostname); err == nil && u.Host != "" {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = "/websocket"
		}
		return u.String()
	}
	scheme := "wss"
	if insecure {
		scheme = "ws"
	}
	return scheme + "://" + strings.TrimRight(hostname, "/") + "/websocket"
}
