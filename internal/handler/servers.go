package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/selection"
	"rocket-sync-lite/internal/store"
)

// Stores resolves a server id to its store; *store.Manager implements it.
type Stores interface {
	Default() *store.Store
	Lookup(serverID string) (*store.Store, bool)
}

func serverStore(c *gin.Context, stores Stores) (*store.Store, bool) {
	st, ok := stores.Lookup(c.Param("server"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown server"})
		return nil, false
	}
	return st, true
}

type ServerHandler struct {
	Stores Stores
}

func (h *ServerHandler) List(c *gin.Context) {
	var servers []model.ServerConnection
	_ = h.Stores.Default().View(func(tx *store.Tx) error {
		servers = store.Find[model.ServerConnection](tx, nil)
		return nil
	})
	if servers == nil {
		servers = []model.ServerConnection{}
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

func (h *ServerHandler) Notifications(c *gin.Context) {
	st, ok := serverStore(c, h.Stores)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications(st)})
}

func notifications(st *store.Store) []model.NotificationItem {
	var items []model.NotificationItem
	_ = st.View(func(tx *store.Tx) error {
		items = store.Find[model.NotificationItem](tx, nil)
		return nil
	})
	if items == nil {
		items = []model.NotificationItem{}
	}
	return items
}

type SelectionHandler struct {
	Stores    Stores
	Selection *selection.Cache
}

type selectionBody struct {
	ServerID *string `json:"serverId"`
	RoomID   *string `json:"roomId"`
}

func (h *SelectionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"serverId": h.Selection.Get(selection.KeySelectedServer),
		"roomId":   h.Selection.Get(selection.KeySelectedRoom),
	})
}

// Put updates the fields present in the body; an empty string clears one.
func (h *SelectionHandler) Put(c *gin.Context) {
	var body selectionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.ServerID != nil && *body.ServerID != "" {
		if _, ok := h.Stores.Lookup(*body.ServerID); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown server"})
			return
		}
	}
	if body.ServerID != nil {
		h.Selection.Set(selection.KeySelectedServer, *body.ServerID)
	}
	if body.RoomID != nil {
		h.Selection.Set(selection.KeySelectedRoom, *body.RoomID)
	}
	h.Get(c)
}
