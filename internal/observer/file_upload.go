package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/procedure"
	"rocket-sync-lite/internal/store"
	"rocket-sync-lite/internal/upload"
)

const (
	DefaultUploadConcurrency = 3
	s3UploadDirective        = "rocketchat-uploads"
)

// NewFileUploadingToS3Observer uploads files through the S3 slingshot
// directive: request a signed target, stream the file in chunks while
// recording progress, then announce it as a room message.
func NewFileUploadingToS3Observer(env *listener.Env) listener.Registrable {
	limit := env.Options.UploadConcurrency
	if limit <= 0 {
		limit = DefaultUploadConcurrency
	}
	transport := env.Options.Uploads
	if transport == nil {
		transport = upload.HTTPTransport{}
	}
	open := env.Options.OpenFile
	if open == nil {
		open = func(uri string) (io.ReadCloser, error) { return os.Open(uri) }
	}
	isS3 := func(u model.FileUploading) bool { return u.StorageType == model.StorageTypeS3 }

	return procedure.New(env, procedure.Spec[model.FileUploading, struct{}]{
		Name:   "s3-upload",
		Filter: isS3,
		Scope: func(model.FileUploading) func(model.FileUploading) bool {
			return isS3
		},
		Limit: limit,
		Purge: func(model.FileUploading) bool { return true },
		Call: func(ctx context.Context, u model.FileUploading) (struct{}, error) {
			return struct{}{}, uploadToS3(ctx, env, transport, open, u)
		},
		Succeed: func(tx *store.Tx, u model.FileUploading, _ struct{}) error {
			u.Error = ""
			return tx.Put(u.WithState(model.SyncStateSynced))
		},
		Fail: func(tx *store.Tx, u model.FileUploading, err error) error {
			u.Error = err.Error()
			return tx.Put(u.WithState(model.SyncStateFailed))
		},
	})
}

func uploadToS3(ctx context.Context, env *listener.Env, transport upload.Transport, open func(string) (io.ReadCloser, error), u model.FileUploading) error {
	params, err := json.Marshal([]any{
		s3UploadDirective,
		map[string]any{"name": u.Filename, "size": u.Size, "type": u.MimeType},
		map[string]any{"rid": u.RoomID},
	})
	if err != nil {
		return err
	}
	res, err := env.Client.RPC(ctx, "", "slingshot/request", params, 0)
	if err != nil {
		return err
	}
	var target upload.Target
	if err := json.Unmarshal(res, &target); err != nil {
		return fmt.Errorf("decode upload target: %w", err)
	}

	src, err := open(u.URI)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := transport.Open(ctx, target, u.Filename, u.MimeType, u.Size)
	if err != nil {
		return err
	}
	_, err = upload.Copy(w, src, env.Options.UploadChunkSize, func(total int64) error {
		return saveProgress(env.Store, u.ID, total)
	})
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	params, err = json.Marshal([]any{u.RoomID, model.StorageTypeS3, map[string]any{
		"_id":  target.FileID(),
		"type": u.MimeType,
		"size": u.Size,
		"name": u.Filename,
		"url":  target.DownloadURL,
	}})
	if err != nil {
		return err
	}
	_, err = env.Client.RPC(ctx, "", "sendFileMessage", params, 0)
	return err
}

func saveProgress(s *store.Store, id string, total int64) error {
	return s.Update(func(tx *store.Tx) error {
		u, err := store.Get[model.FileUploading](tx, id)
		if err != nil {
			return fmt.Errorf("upload %s: %w", id, err)
		}
		u.UploadedSize = total
		return tx.Put(u)
	})
}
