// Package listener holds the contract shared by every module a connection
// worker registers: subscribers, procedure observers and stream managers.
package listener

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"rocket-sync-lite/internal/ddp"
	"rocket-sync-lite/internal/selection"
	"rocket-sync-lite/internal/store"
	"rocket-sync-lite/internal/upload"
)

// Registrable is implemented by every catalog module. Both methods run on
// the worker loop and must be safe to call more than once.
type Registrable interface {
	Register()
	Unregister()
}

// Protocol is the part of *ddp.Client the listeners use.
type Protocol interface {
	RPC(ctx context.Context, id, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	Subscribe(ctx context.Context, name string, params ...any) (string, error)
	Unsubscribe(ctx context.Context, id string) error
	AddEventHandler(fn func(ddp.Event)) (remove func())
	Connected() bool
}

// Executor runs tasks one at a time in post order.
type Executor interface {
	Post(fn func()) bool
}

type Options struct {
	UploadChunkSize   int
	UploadConcurrency int
	Uploads           upload.Transport
	// OpenFile opens the local file of an upload; os.Open when nil.
	OpenFile func(uri string) (io.ReadCloser, error)
}

// Env carries the dependencies every module is constructed with.
type Env struct {
	// Ctx lives as long as the worker; remote calls use it.
	Ctx       context.Context
	Hostname  string
	Store     *store.Store
	Client    Protocol
	Exec      Executor
	Selection *selection.Cache
	Options   Options
}

// Factory builds one catalog module.
type Factory func(env *Env) Registrable

// Async runs call off the loop and posts its outcome back to env.Exec.
// then is skipped when the loop has stopped.
func Async[R any](env *Env, call func(ctx context.Context) (R, error), then func(R, error)) {
	go func() {
		res, err := call(env.Ctx)
		env.Exec.Post(func() { then(res, err) })
	}()
}
