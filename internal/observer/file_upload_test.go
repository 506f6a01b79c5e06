package observer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"github.com/tidwall/gjson"

	"rocket-sync-lite/internal/ddp/ddptest"
	"rocket-sync-lite/internal/listener/listenertest"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/store"
	"rocket-sync-lite/internal/upload"
)

// chunkTransport records chunks and can fail or block on demand.
type chunkTransport struct {
	failAt  int
	release chan struct{}

	mu     sync.Mutex
	chunks int
	opened int
}

func (f *chunkTransport) Open(ctx context.Context, _ upload.Target, _, _ string, _ int64) (upload.ChunkWriter, error) {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f, nil
}

func (f *chunkTransport) WriteChunk([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks++
	if f.failAt > 0 && f.chunks == f.failAt {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (f *chunkTransport) Close() error {
	return nil
}

func (f *chunkTransport) openedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func slingshot(srv *ddptest.Server, uploadURL string) {
	srv.HandleMethod("slingshot/request", func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{
			"upload":   uploadURL,
			"download": "https://cdn.example.com/uploads/r1/file-42",
			"postData": []map[string]string{{"name": "key", "value": "uploads/r1/file-42"}},
		}, nil
	})
	srv.HandleMethod("sendFileMessage", func(context.Context, json.RawMessage) (any, error) {
		return true, nil
	})
}

func openString(content string) func(string) (io.ReadCloser, error) {
	return func(string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	}
}

func s3Upload(id string) model.FileUploading {
	return model.FileUploading{
		ID:          id,
		RoomID:      "r1",
		URI:         "/tmp/" + id,
		Filename:    id + ".txt",
		Size:        40,
		MimeType:    "text/plain",
		StorageType: model.StorageTypeS3,
	}
}

func TestFileUploadingToS3Observer_UploadsAndAnnounces(t *testing.T) {
	srv := ddptest.NewServer()
	defer srv.Close()

	var (
		mu       sync.Mutex
		received string
		key      string
	)
	srv.Router().POST("/bucket", func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		f, _ := file.Open()
		body, _ := io.ReadAll(f)
		mu.Lock()
		received = string(body)
		key = c.PostForm("key")
		mu.Unlock()
		c.Status(http.StatusNoContent)
	})
	slingshot(srv, srv.HTTP.URL+"/bucket")

	env, loop := listenertest.NewEnv(t, srv)
	content := strings.Repeat("0123456789", 4)
	env.Options.OpenFile = openString(content)
	start(t, loop, NewFileUploadingToS3Observer(env))

	put(t, env.Store, s3Upload("up-1"))
	listenertest.Eventually(t, 3*time.Second, func() bool {
		return get[model.FileUploading](env.Store, "up-1").Sync == model.SyncStateSynced
	})
	u := get[model.FileUploading](env.Store, "up-1")
	assert.Equal(t, u.UploadedSize, int64(40))
	assert.Equal(t, u.Error, "")

	mu.Lock()
	assert.Equal(t, received, content)
	assert.Equal(t, key, "uploads/r1/file-42")
	mu.Unlock()

	req := srv.Calls("slingshot/request")[0].Params
	assert.Equal(t, gjson.GetBytes(req, "0").Str, "rocketchat-uploads")
	assert.Equal(t, gjson.GetBytes(req, "1.size").Int(), int64(40))
	assert.Equal(t, gjson.GetBytes(req, "2.rid").Str, "r1")

	msg := srv.Calls("sendFileMessage")[0].Params
	assert.Equal(t, gjson.GetBytes(msg, "0").Str, "r1")
	assert.Equal(t, gjson.GetBytes(msg, "1").Str, "s3")
	assert.Equal(t, gjson.GetBytes(msg, "2._id").Str, "file-42")
	assert.Equal(t, gjson.GetBytes(msg, "2.url").Str, "https://cdn.example.com/uploads/r1/file-42")
}

func TestFileUploadingToS3Observer_ChunkFailureKeepsProgress(t *testing.T) {
	srv := ddptest.NewServer()
	defer srv.Close()
	slingshot(srv, "http://unused.invalid/")

	env, loop := listenertest.NewEnv(t, srv)
	env.Options.OpenFile = openString(strings.Repeat("x", 40))
	env.Options.Uploads = &chunkTransport{failAt: 3}
	start(t, loop, NewFileUploadingToS3Observer(env))

	put(t, env.Store, s3Upload("up-1"))
	listenertest.Eventually(t, 3*time.Second, func() bool {
		return get[model.FileUploading](env.Store, "up-1").Sync == model.SyncStateFailed
	})
	u := get[model.FileUploading](env.Store, "up-1")
	assert.Equal(t, u.Error, "connection reset by peer")
	assert.Equal(t, u.UploadedSize, int64(8))
	assert.Equal(t, len(srv.Calls("sendFileMessage")), 0)
}

func TestFileUploadingToS3Observer_CapsConcurrentUploads(t *testing.T) {
	srv := ddptest.NewServer()
	defer srv.Close()
	slingshot(srv, "http://unused.invalid/")

	env, loop := listenertest.NewEnv(t, srv)
	transport := &chunkTransport{release: make(chan struct{})}
	env.Options.OpenFile = openString("data")
	env.Options.Uploads = transport
	env.Options.UploadConcurrency = 3

	ids := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, id := range ids {
		put(t, env.Store, s3Upload(id))
	}
	// Uploads to other storage types are not ours to run.
	put(t, env.Store, model.FileUploading{ID: "gridfs", RoomID: "r1", StorageType: "GridFS"})
	start(t, loop, NewFileUploadingToS3Observer(env))

	listenertest.Eventually(t, 3*time.Second, func() bool { return transport.openedCount() == 3 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, transport.openedCount(), 3)

	syncing := func() int {
		var n int
		listenertest.Read(env.Store, func(tx *store.Tx) {
			n = store.Count[model.FileUploading](tx, func(u model.FileUploading) bool { return u.Sync == model.SyncStateSyncing })
		})
		return n
	}
	assert.Equal(t, syncing(), 3)
	assert.Equal(t, get[model.FileUploading](env.Store, "u4").Sync, model.SyncStateNotSynced)

	close(transport.release)
	listenertest.Eventually(t, 3*time.Second, func() bool {
		var done int
		listenertest.Read(env.Store, func(tx *store.Tx) {
			done = store.Count[model.FileUploading](tx, func(u model.FileUploading) bool { return u.Sync == model.SyncStateSynced })
		})
		return done == len(ids)
	})
	assert.Equal(t, get[model.FileUploading](env.Store, "gridfs").Sync, model.SyncStateNotSynced)
}
