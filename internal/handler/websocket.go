package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"rocket-sync-lite/internal/hub"
	"rocket-sync-lite/internal/logger"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/store"
)

const (
	pongWait  = 60 * time.Second
	writeWait = 10 * time.Second
)

type serverMessage struct {
	Type  string      `json:"type"`
	Event string      `json:"event,omitempty"`
	Body  interface{} `json:"body,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

// NotificationStream pushes the full notification list of a server to
// websocket clients whenever it changes. The store watch only queues the
// list; each client's writes happen on its own goroutine.
type NotificationStream struct {
	Stores Stores
	hub    *hub.Hub
	once   sync.Once
}

func (h *NotificationStream) init() {
	h.once.Do(func() {
		h.hub = hub.New(h.watch)
	})
}

func (h *NotificationStream) watch(serverID string) func() {
	st, ok := h.Stores.Lookup(serverID)
	if !ok {
		return func() {}
	}
	return st.Watch(func() {
		h.hub.Broadcast(serverID, notificationUpdate(st))
	}, model.KindNotificationItem)
}

func notificationUpdate(st *store.Store) []byte {
	out, _ := json.Marshal(serverMessage{
		Type:  "update",
		Event: "notifications",
		Body:  notifications(st),
	})
	return out
}

func (h *NotificationStream) Serve(c *gin.Context) {
	h.init()
	serverID := c.Param("server")
	st, ok := serverStore(c, h.Stores)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	writer := &wsWriter{conn: ws}
	conn := &hub.Connection{ServerID: serverID, Writer: writer}
	h.hub.Register(conn)
	defer func() {
		h.hub.Unregister(conn)
		_ = ws.Close()
	}()

	conn.Send(notificationUpdate(st))

	ws.SetReadLimit(64 * 1024)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writer.ping(); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logger.DebugF("control api: notification stream for %s closed: %v", serverID, err)
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			out, _ := json.Marshal(serverMessage{Type: "pong"})
			_ = writer.Write(out)
		}
	}
}
