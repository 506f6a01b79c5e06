// Package observer turns procedure records into remote calls and derives
// local records from server data.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"rocket-sync-lite/internal/ddp"
	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/procedure"
	"rocket-sync-lite/internal/store"
)

// NewMethodCallObserver runs queued MethodCall records as raw RPCs. The
// result, or the server's error object, lands in ResultJSON.
func NewMethodCallObserver(env *listener.Env) listener.Registrable {
	return procedure.New(env, procedure.Spec[model.MethodCall, json.RawMessage]{
		Name:   "method-call",
		Filter: func(c model.MethodCall) bool { return c.Name != "" },
		Digest: true,
		Purge:  func(model.MethodCall) bool { return true },
		Call: func(ctx context.Context, c model.MethodCall) (json.RawMessage, error) {
			params := json.RawMessage(c.ParamsJSON)
			if c.ParamsJSON == "" {
				params = json.RawMessage("[]")
			}
			return env.Client.RPC(ctx, c.ID, c.Name, params, time.Duration(c.TimeoutMs)*time.Millisecond)
		},
		Succeed: func(tx *store.Tx, c model.MethodCall, res json.RawMessage) error {
			c.ResultJSON = string(res)
			return tx.Put(c.WithState(model.SyncStateSynced))
		},
		Fail: func(tx *store.Tx, c model.MethodCall, err error) error {
			c.ResultJSON = errorText(err)
			return tx.Put(c.WithState(model.SyncStateFailed))
		},
	})
}

// errorText prefers the structured error object the server returned.
func errorText(err error) string {
	var rpcErr *ddp.RPCError
	if errors.As(err, &rpcErr) && len(rpcErr.Payload) > 0 {
		return string(rpcErr.Payload)
	}
	return err.Error()
}
