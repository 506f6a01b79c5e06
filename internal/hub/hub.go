// Package hub fans messages out to the websocket clients following a
// server's records.
package hub

import "sync"

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is one client. Messages are full snapshots, so a client that
// writes slower than they are produced only receives the latest one.
type Connection struct {
	ServerID string
	Writer   Writer

	mu      sync.Mutex
	pending []byte
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Send queues message for the connection's writer goroutine, replacing a
// message that has not been written yet. It never blocks.
func (c *Connection) Send(message []byte) {
	c.mu.Lock()
	c.pending = message
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := c.pending
	c.pending = nil
	return msg
}

func (c *Connection) stop() {
	c.once.Do(func() { close(c.done) })
}

// WatchFunc starts producing messages for serverID and returns a function
// that stops it. The hub runs it when the first client of a server joins
// and stops it when the last one leaves.
type WatchFunc func(serverID string) (stop func())

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
	watch       WatchFunc
	stops       map[string]func()
}

func New(watch WatchFunc) *Hub {
	return &Hub{
		connections: make(map[string]map[*Connection]struct{}),
		watch:       watch,
		stops:       make(map[string]func()),
	}
}

// Register adds conn and starts its writer goroutine.
func (h *Hub) Register(conn *Connection) {
	conn.wake = make(chan struct{}, 1)
	conn.done = make(chan struct{})

	h.mu.Lock()
	if h.connections[conn.ServerID] == nil {
		h.connections[conn.ServerID] = make(map[*Connection]struct{})
		if h.watch != nil {
			h.stops[conn.ServerID] = h.watch(conn.ServerID)
		}
	}
	h.connections[conn.ServerID][conn] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(conn)
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.ServerID]
	if set == nil {
		return
	}
	if _, ok := set[conn]; !ok {
		return
	}
	conn.stop()
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.ServerID)
		if stop := h.stops[conn.ServerID]; stop != nil {
			stop()
		}
		delete(h.stops, conn.ServerID)
	}
}

func (h *Hub) Count(serverID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[serverID])
}

// Broadcast queues message for every client of serverID and returns
// without waiting for any write.
func (h *Hub) Broadcast(serverID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.connections[serverID] {
		c.Send(message)
	}
}

// writeLoop writes queued messages until the connection is unregistered.
// A failed write closes and drops the client.
func (h *Hub) writeLoop(conn *Connection) {
	for {
		select {
		case <-conn.done:
			return
		case <-conn.wake:
		}
		msg := conn.take()
		if msg == nil {
			continue
		}
		if err := conn.Writer.Write(msg); err != nil {
			_ = conn.Writer.Close()
			h.Unregister(conn)
			return
		}
	}
}
