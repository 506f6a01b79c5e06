package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"rocket-sync-lite/internal/auth"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/selection"
	"rocket-sync-lite/internal/store"
)

type fixture struct {
	router   *gin.Engine
	manager  *store.Manager
	server   *store.Store
	sel      *selection.Cache
	tokenCfg auth.TokenConfig
	token    string
}

func newFixture(t *testing.T, keys auth.KeySet) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	manager, err := store.NewManager(context.Background(), nil, model.Schema())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	st, err := manager.ForServer(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ForServer: %v", err)
	}
	if err := manager.Default().Update(func(tx *store.Tx) error {
		return tx.Put(model.ServerConnection{ID: "s1", Hostname: "chat.example.com", State: model.StateConnected})
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := auth.CreateToken("client-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	sel := selection.New()
	return &fixture{
		router:   NewRouter(Deps{Stores: manager, Selection: sel, TokenConfig: tokenCfg, Keys: keys}),
		manager:  manager,
		server:   st,
		sel:      sel,
		tokenCfg: tokenCfg,
		token:    tok,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %s: %v", w.Body.String(), err)
	}
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, w.Code, w.Body.String())
	}
}

func TestAuth_SignedChallengeFlow(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	keys, _ := auth.ParseKeys(pubB64)
	f := newFixture(t, keys)
	f.token = ""

	challenge := []byte(strconv.FormatInt(time.Now().UnixMilli(), 10))
	w := f.do(t, http.MethodPost, "/v1/auth", map[string]any{
		"publicKey": pubB64,
		"challenge": base64.StdEncoding.EncodeToString(challenge),
		"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(priv, challenge)),
	})
	expectCode(t, w, http.StatusOK)
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, w, &resp)

	claims, err := auth.VerifyToken(resp.Token, f.tokenCfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.ClientID != pubB64 {
		t.Fatalf("expected client id to be the public key, got %q", claims.ClientID)
	}

	f.token = resp.Token
	expectCode(t, f.do(t, http.MethodGet, "/v1/servers", nil), http.StatusOK)
}

func TestAuth_InvalidPublicKeyErrorMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.token = ""

	w := f.do(t, http.MethodPost, "/v1/auth", map[string]any{"publicKey": "not-base64", "challenge": "x", "signature": "y"})
	expectCode(t, w, http.StatusUnauthorized)
	if !strings.Contains(w.Body.String(), "Invalid public key") {
		t.Fatalf("expected Invalid public key, got: %s", w.Body.String())
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	f := newFixture(t, nil)
	f.token = ""
	expectCode(t, f.do(t, http.MethodGet, "/v1/servers", nil), http.StatusUnauthorized)
	expectCode(t, f.do(t, http.MethodGet, "/health", nil), http.StatusOK)
	expectCode(t, f.do(t, http.MethodGet, "/v1/version", nil), http.StatusOK)
}

func TestServersAndUnknownServer(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/v1/servers", nil)
	expectCode(t, w, http.StatusOK)
	var resp struct {
		Servers []model.ServerConnection `json:"servers"`
	}
	decode(t, w, &resp)
	if len(resp.Servers) != 1 || resp.Servers[0].State != model.StateConnected {
		t.Fatalf("unexpected servers %+v", resp.Servers)
	}
	if !strings.Contains(w.Body.String(), `"state":"CONNECTED"`) {
		t.Fatalf("expected state by name, got %s", w.Body.String())
	}

	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/nope/method-calls", map[string]any{"name": "x"}), http.StatusNotFound)
}

func TestMethodCallEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/method-calls", map[string]any{"name": "x", "params": map[string]any{"a": 1}}), http.StatusBadRequest)

	w := f.do(t, http.MethodPost, "/v1/servers/s1/method-calls", map[string]any{
		"id": "c1", "name": "login", "params": []any{map[string]any{"resume": "t"}}, "timeoutMs": 5000,
	})
	expectCode(t, w, http.StatusAccepted)

	var call model.MethodCall
	_ = f.server.View(func(tx *store.Tx) error {
		call, _ = store.Get[model.MethodCall](tx, "c1")
		return nil
	})
	if call.Sync != model.SyncStateNotSynced || call.ParamsJSON != `[{"resume":"t"}]` || call.TimeoutMs != 5000 {
		t.Fatalf("unexpected record %+v", call)
	}

	// A pending call cannot be replaced or retried.
	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/method-calls", map[string]any{"id": "c1", "name": "login"}), http.StatusConflict)
	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/method-calls/c1/retry", nil), http.StatusConflict)

	_ = f.server.Update(func(tx *store.Tx) error {
		call.ResultJSON = `{"error":"x"}`
		return tx.Put(call.WithState(model.SyncStateFailed))
	})
	w = f.do(t, http.MethodGet, "/v1/servers/s1/method-calls/c1", nil)
	expectCode(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `"syncstate":"FAILED"`) {
		t.Fatalf("expected FAILED, got %s", w.Body.String())
	}

	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/method-calls/c1/retry", nil), http.StatusAccepted)
	expectCode(t, f.do(t, http.MethodGet, "/v1/servers/s1/method-calls/missing", nil), http.StatusNotFound)
}

func TestHistoryKeepsHighWaterMark(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.server.Update(func(tx *store.Tx) error {
		return tx.Put(model.LoadMessageProcedure{RoomID: "r1", Timestamp: 900, Count: 100, Sync: model.SyncStateSynced, HasNext: true})
	})

	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/rooms/r1/history", map[string]any{"count": 20}), http.StatusAccepted)

	w := f.do(t, http.MethodGet, "/v1/servers/s1/rooms/r1/history", nil)
	expectCode(t, w, http.StatusOK)
	var p model.LoadMessageProcedure
	decode(t, w, &p)
	if p.Timestamp != 900 || p.Count != 20 || p.Reset || p.Sync != model.SyncStateNotSynced {
		t.Fatalf("unexpected procedure %+v", p)
	}

	_ = f.server.Update(func(tx *store.Tx) error { return tx.Put(p.WithState(model.SyncStateSyncing)) })
	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/rooms/r1/history", map[string]any{"reset": true}), http.StatusConflict)
}

func TestMembersEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/rooms/r1/members", map[string]any{"showAll": true}), http.StatusAccepted)

	w := f.do(t, http.MethodGet, "/v1/servers/s1/rooms/r1/members", nil)
	expectCode(t, w, http.StatusOK)
	var p model.GetUsersOfRoomsProcedure
	decode(t, w, &p)
	if !p.ShowAll || p.Sync != model.SyncStateNotSynced {
		t.Fatalf("unexpected procedure %+v", p)
	}
}

func TestMessageSendResendDiscard(t *testing.T) {
	f := newFixture(t, nil)

	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/rooms/r1/messages", map[string]any{"msg": ""}), http.StatusBadRequest)
	w := f.do(t, http.MethodPost, "/v1/servers/s1/rooms/r1/messages", map[string]any{"id": "m1", "msg": "hello"})
	expectCode(t, w, http.StatusAccepted)

	w = f.do(t, http.MethodGet, "/v1/servers/s1/rooms/r1/messages", nil)
	expectCode(t, w, http.StatusOK)
	var list struct {
		Messages []model.Message `json:"messages"`
	}
	decode(t, w, &list)
	if len(list.Messages) != 1 || list.Messages[0].Msg != "hello" || list.Messages[0].Sync != model.SyncStateNotSynced {
		t.Fatalf("unexpected messages %+v", list.Messages)
	}

	_ = f.server.Update(func(tx *store.Tx) error {
		m := list.Messages[0]
		m.Error = "Room is read only"
		return tx.Put(m.WithState(model.SyncStateFailed))
	})
	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/messages/m1/resend", nil), http.StatusAccepted)

	_ = f.server.Update(func(tx *store.Tx) error {
		return tx.Put(list.Messages[0].WithState(model.SyncStateSyncing))
	})
	expectCode(t, f.do(t, http.MethodDelete, "/v1/servers/s1/messages/m1", nil), http.StatusConflict)

	_ = f.server.Update(func(tx *store.Tx) error {
		return tx.Put(list.Messages[0].WithState(model.SyncStateFailed))
	})
	expectCode(t, f.do(t, http.MethodDelete, "/v1/servers/s1/messages/m1", nil), http.StatusNoContent)
	expectCode(t, f.do(t, http.MethodDelete, "/v1/servers/s1/messages/m1", nil), http.StatusNotFound)
}

func TestUploadEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/uploads", map[string]any{"roomId": "r1", "path": path + ".missing"}), http.StatusBadRequest)

	w := f.do(t, http.MethodPost, "/v1/servers/s1/uploads", map[string]any{"roomId": "r1", "path": path, "mimeType": "application/pdf"})
	expectCode(t, w, http.StatusAccepted)
	var u model.FileUploading
	decode(t, w, &u)
	if u.Size != 10 || u.Filename != "report.pdf" || u.StorageType != model.StorageTypeS3 || u.ID == "" {
		t.Fatalf("unexpected upload %+v", u)
	}

	expectCode(t, f.do(t, http.MethodGet, "/v1/servers/s1/uploads/"+u.ID, nil), http.StatusOK)
	expectCode(t, f.do(t, http.MethodPost, "/v1/servers/s1/uploads/"+u.ID+"/retry", nil), http.StatusConflict)
}

func TestSelectionEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	expectCode(t, f.do(t, http.MethodPut, "/v1/selection", map[string]any{"serverId": "nope"}), http.StatusNotFound)

	w := f.do(t, http.MethodPut, "/v1/selection", map[string]any{"serverId": "s1", "roomId": "r1"})
	expectCode(t, w, http.StatusOK)
	if f.sel.Get(selection.KeySelectedServer) != "s1" || f.sel.Get(selection.KeySelectedRoom) != "r1" {
		t.Fatalf("selection not stored")
	}

	expectCode(t, f.do(t, http.MethodPut, "/v1/selection", map[string]any{"roomId": ""}), http.StatusOK)
	if f.sel.Get(selection.KeySelectedRoom) != "" || f.sel.Get(selection.KeySelectedServer) != "s1" {
		t.Fatalf("expected only the room cleared")
	}
}
