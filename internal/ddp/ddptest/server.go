// Package ddptest runs an in-process DDP server for tests.
package ddptest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"rocket-sync-lite/internal/ddp"
)

const writeTimeout = 5 * time.Second

// MethodHandler serves one RPC. Returning a *ddp.RPCError sends it as the
// structured error; any other error is sent as its message.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// PublishHandler accepts or rejects a subscription. It may push initial
// documents through conn before returning.
type PublishHandler func(conn *Conn, params json.RawMessage) error

type Call struct {
	Method string
	Params json.RawMessage
}

type Server struct {
	HTTP   *httptest.Server
	router *gin.Engine

	upgrader websocket.Upgrader

	mu        sync.Mutex
	methods   map[string]MethodHandler
	publishes map[string]PublishHandler
	conns     map[*Conn]struct{}
	calls     []Call
	sessions  []string
	subs      map[string]string
	unsubs    []string
	rejectAll bool
}

func NewServer() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		methods:   make(map[string]MethodHandler),
		publishes: make(map[string]PublishHandler),
		conns:     make(map[*Conn]struct{}),
		subs:      make(map[string]string),
	}
	s.router.GET("/websocket", func(c *gin.Context) {
		s.serveWS(c.Writer, c.Request)
	})
	s.HTTP = httptest.NewServer(s.router)
	return s
}

// URL is the websocket endpoint for ddp.Dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/websocket"
}

// Host is host:port of the server, usable as a worker hostname.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.HTTP.URL, "http://")
}

// Router exposes the gin engine so tests can mount plain HTTP routes such
// as an upload target. Register routes before the first request.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Close() {
	s.DropConnections()
	s.HTTP.Close()
}

func (s *Server) HandleMethod(name string, h MethodHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = h
}

func (s *Server) Publish(name string, h PublishHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishes[name] = h
}

// RejectConnect makes every subsequent handshake answer "failed".
func (s *Server) RejectConnect(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Subscriptions returns the names of live subscriptions.
func (s *Server) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for _, name := range s.subs {
		out = append(out, name)
	}
	return out
}

func (s *Server) Unsubscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unsubs...)
}

// Sessions lists the session ids clients asked to resume, in order.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessions...)
}

func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) Added(collection, id string, fields any) {
	s.broadcast(map[string]any{"msg": "added", "collection": collection, "id": id, "fields": fields})
}

func (s *Server) Changed(collection, id string, fields any, cleared ...string) {
	frame := map[string]any{"msg": "changed", "collection": collection, "id": id, "fields": fields}
	if len(cleared) > 0 {
		frame["cleared"] = cleared
	}
	s.broadcast(frame)
}

func (s *Server) Removed(collection, id string) {
	s.broadcast(map[string]any{"msg": "removed", "collection": collection, "id": id})
}

func (s *Server) broadcast(frame any) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.WriteJSON(frame)
	}
}

type Conn struct {
	ws     *websocket.Conn
	sendMu sync.Mutex
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Added(collection, id string, fields any) error {
	return c.WriteJSON(map[string]any{"msg": "added", "collection": collection, "id": id, "fields": fields})
}

func (c *Conn) close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{ws: ws, ctx: ctx, cancel: cancel}
	defer c.close()

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handle(c, data)
	}
}

func (s *Server) handle(c *Conn, data []byte) {
	switch gjson.GetBytes(data, "msg").Str {
	case "connect":
		s.mu.Lock()
		s.sessions = append(s.sessions, gjson.GetBytes(data, "session").Str)
		reject := s.rejectAll
		s.mu.Unlock()
		if reject {
			_ = c.WriteJSON(map[string]any{"msg": "failed", "version": ddp.Version})
			return
		}
		session := gjson.GetBytes(data, "session").Str
		if session == "" {
			session = uuid.NewString()
		}
		_ = c.WriteJSON(map[string]any{"msg": "connected", "session": session})

	case "ping":
		frame := map[string]any{"msg": "pong"}
		if id := gjson.GetBytes(data, "id").Str; id != "" {
			frame["id"] = id
		}
		_ = c.WriteJSON(frame)

	case "method":
		id := gjson.GetBytes(data, "id").Str
		name := gjson.GetBytes(data, "method").Str
		params := json.RawMessage(gjson.GetBytes(data, "params").Raw)
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: name, Params: params})
		h := s.methods[name]
		s.mu.Unlock()
		go s.runMethod(c, id, name, params, h)

	case "sub":
		id := gjson.GetBytes(data, "id").Str
		name := gjson.GetBytes(data, "name").Str
		params := json.RawMessage(gjson.GetBytes(data, "params").Raw)
		s.mu.Lock()
		h := s.publishes[name]
		s.mu.Unlock()
		var err error
		if h != nil {
			err = h(c, params)
		}
		if err != nil {
			_ = c.WriteJSON(map[string]any{"msg": "nosub", "id": id, "error": toRPCError(err)})
			return
		}
		s.mu.Lock()
		s.subs[id] = name
		s.mu.Unlock()
		_ = c.WriteJSON(map[string]any{"msg": "ready", "subs": []string{id}})

	case "unsub":
		id := gjson.GetBytes(data, "id").Str
		s.mu.Lock()
		if name, ok := s.subs[id]; ok {
			s.unsubs = append(s.unsubs, name)
			delete(s.subs, id)
		}
		s.mu.Unlock()
		_ = c.WriteJSON(map[string]any{"msg": "nosub", "id": id})
	}
}

func (s *Server) runMethod(c *Conn, id, name string, params json.RawMessage, h MethodHandler) {
	if h == nil {
		_ = c.WriteJSON(map[string]any{"msg": "result", "id": id, "error": map[string]any{
			"error": 404, "reason": "Method '" + name + "' not found", "errorType": "Meteor.Error",
		}})
		return
	}
	result, err := h(c.ctx, params)
	if err != nil {
		_ = c.WriteJSON(map[string]any{"msg": "result", "id": id, "error": toRPCError(err)})
		return
	}
	_ = c.WriteJSON(map[string]any{"msg": "result", "id": id, "result": result})
	_ = c.WriteJSON(map[string]any{"msg": "updated", "methods": []string{id}})
}

func toRPCError(err error) any {
	var rpcErr *ddp.RPCError
	if errors.As(err, &rpcErr) {
		if len(rpcErr.Payload) > 0 {
			return rpcErr.Payload
		}
		return rpcErr
	}
	return map[string]any{"error": 500, "reason": err.Error(), "errorType": "Meteor.Error"}
}
