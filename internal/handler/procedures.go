package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/store"
)

const defaultHistoryPage = 50

var (
	errInFlight = errors.New("procedure is in flight")
	errNotDone  = errors.New("procedure has not finished")
)

// ProcedureHandler writes procedure records for the workers to pick up and
// reads their outcome. It never talks to a worker directly.
type ProcedureHandler struct {
	Stores Stores
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, errInFlight), errors.Is(err, errNotDone):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func getRecord[T store.Entity](c *gin.Context, stores Stores, key string) {
	st, ok := serverStore(c, stores)
	if !ok {
		return
	}
	var (
		v   T
		err error
	)
	_ = st.View(func(tx *store.Tx) error {
		v, err = store.Get[T](tx, key)
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// retry re-arms a finished procedure.
func retry[T model.Procedure[T]](c *gin.Context, stores Stores, key string) {
	st, ok := serverStore(c, stores)
	if !ok {
		return
	}
	var out T
	err := st.Update(func(tx *store.Tx) error {
		v, err := store.Get[T](tx, key)
		if err != nil {
			return err
		}
		if !v.State().Terminal() {
			return errNotDone
		}
		out = v.WithState(model.SyncStateNotSynced)
		return tx.Put(out)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

type methodCallBody struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int64           `json:"timeoutMs"`
}

func (h *ProcedureHandler) CreateMethodCall(c *gin.Context) {
	st, ok := serverStore(c, h.Stores)
	if !ok {
		return
	}
	var body methodCallBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" || body.TimeoutMs < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	params := "[]"
	if len(body.Params) > 0 && string(body.Params) != "null" {
		var arr []json.RawMessage
		if err := json.Unmarshal(body.Params, &arr); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "params must be an array"})
			return
		}
		compact, _ := json.Marshal(arr)
		params = string(compact)
	}
	if body.ID == "" {
		body.ID = model.NewID()
	}

	call := model.MethodCall{ID: body.ID, Name: body.Name, ParamsJSON: params, TimeoutMs: body.TimeoutMs}
	err := st.Update(func(tx *store.Tx) error {
		if prev, err := store.Get[model.MethodCall](tx, call.ID); err == nil && !prev.Sync.Terminal() {
			return errInFlight
		}
		return tx.Put(call)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, call)
}

func (h *ProcedureHandler) GetMethodCall(c *gin.Context) {
	getRecord[model.MethodCall](c, h.Stores, c.Param("id"))
}

func (h *ProcedureHandler) RetryMethodCall(c *gin.Context) {
	retry[model.MethodCall](c, h.Stores, c.Param("id"))
}

type historyBody struct {
	Reset bool `json:"reset"`
	Count int  `json:"count"`
}

// LoadHistory asks for the next page of a room. The high-water mark of a
// previous load is kept unless reset is set.
func (h *ProcedureHandler) LoadHistory(c *gin.Context) {
	st, ok := serverStore(c, h.Stores)
	if !ok {
		return
	}
	var body historyBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Count < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Count == 0 {
		body.Count = defaultHistoryPage
	}

	roomID := c.Param("room")
	var out model.LoadMessageProcedure
	err := st.Update(func(tx *store.Tx) error {
		p, err := store.Get[model.LoadMessageProcedure](tx, roomID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil && p.Sync == model.SyncStateSyncing {
			return errInFlight
		}
		p.RoomID = roomID
		p.Reset = body.Reset
		p.Count = body.Count
		p.Error = ""
		out = p.WithState(model.SyncStateNotSynced)
		return tx.Put(out)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

func (h *ProcedureHandler) GetHistory(c *gin.Context) {
	getRecord[model.LoadMessageProcedure](c, h.Stores, c.Param("room"))
}

type membersBody struct {
	ShowAll bool `json:"showAll"`
}

func (h *ProcedureHandler) LoadMembers(c *gin.Context) {
	st, ok := serverStore(c, h.Stores)
	if !ok {
		return
	}
	var body membersBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	roomID := c.Param("room")
	var out model.GetUsersOfRoomsProcedure
	err := st.Update(func(tx *store.Tx) error {
		p, err := store.Get[model.GetUsersOfRoomsProcedure](tx, roomID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil && p.Sync == model.SyncStateSyncing {
			return errInFlight
		}
		p.RoomID = roomID
		p.ShowAll = body.ShowAll
		p.Error = ""
		out = p.WithState(model.SyncStateNotSynced)
		return tx.Put(out)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

func (h *ProcedureHandler) GetMembers(c *gin.Context) {
	getRecord[model.GetUsersOfRoomsProcedure](c, h.Stores, c.Param("room"))
}

type messageBody struct {
	ID  string `json:"id"`
	Msg string `json:"msg"`
}

// SendMessage stores an optimistic message; the worker sends it.
func (h *ProcedureHandler) SendMessage(c *gin.Context) {
	st, ok := serverStore(c, h.Stores)
	if !ok {
		return
	}
	var body messageBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Msg == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.ID == "" {
		body.ID = model.NewID()
	}

	msg := model.Message{
		ID:        body.ID,
		RoomID:    c.Param("room"),
		Msg:       body.Msg,
		Timestamp: model.Date(time.Now().UnixMilli()),
		Groupable: true,
	}
	err := st.Update(func(tx *store.Tx) error {
		if _, err := store.Get[model.Message](tx, msg.ID); err == nil {
			return errInFlight
		}
		return tx.Put(msg)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

func (h *ProcedureHandler) ListMessages(c *gin.Context) {
	st, ok := serverStore(c, h.Stores)
	if !ok {
		return
	}
	roomID := c.Param("room")
	var msgs []model.Message
	_ = st.View(func(tx *store.Tx) error {
		msgs = store.Find[model.Message](tx, func(m model.Message) bool { return m.RoomID == roomID })
		return nil
	})
	if msgs == nil {
		msgs = []model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *ProcedureHandler) ResendMessage(c *gin.Context) {
	retry[model.Message](c, h.Stores, c.Param("id"))
}

// DiscardMessage drops a message that never reached the server.
func (h *ProcedureHandler) DiscardMessage(c *gin.Context) {
	st, ok := serverStore(c, h.Stores)
	if !ok {
		return
	}
	id := c.Param("id")
	err := st.Update(func(tx *store.Tx) error {
		m, err := store.Get[model.Message](tx, id)
		if err != nil {
			return err
		}
		if m.Sync != model.SyncStateFailed && m.Sync != model.SyncStateNotSynced {
			return errInFlight
		}
		return tx.Delete(m.Kind(), m.Key())
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type uploadBody struct {
	RoomID      string `json:"roomId"`
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType"`
	StorageType string `json:"storageType"`
}

func (h *ProcedureHandler) CreateUpload(c *gin.Context) {
	st, ok := serverStore(c, h.Stores)
	if !ok {
		return
	}
	var body uploadBody
	if err := c.ShouldBindJSON(&body); err != nil || body.RoomID == "" || body.Path == "" || body.Size < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Size == 0 {
		info, err := os.Stat(body.Path)
		if err != nil || info.IsDir() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File not readable"})
			return
		}
		body.Size = info.Size()
	}
	if body.Filename == "" {
		body.Filename = filepath.Base(body.Path)
	}
	if body.StorageType == "" {
		body.StorageType = model.StorageTypeS3
	}

	u := model.FileUploading{
		ID:          model.NewID(),
		RoomID:      body.RoomID,
		URI:         body.Path,
		Filename:    body.Filename,
		Size:        body.Size,
		MimeType:    body.MimeType,
		StorageType: body.StorageType,
	}
	if err := st.Update(func(tx *store.Tx) error { return tx.Put(u) }); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, u)
}

func (h *ProcedureHandler) GetUpload(c *gin.Context) {
	getRecord[model.FileUploading](c, h.Stores, c.Param("id"))
}

func (h *ProcedureHandler) RetryUpload(c *gin.Context) {
	retry[model.FileUploading](c, h.Stores, c.Param("id"))
}
