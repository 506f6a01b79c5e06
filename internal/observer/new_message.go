package observer

import (
	"context"
	"encoding/json"

	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/procedure"
	"rocket-sync-lite/internal/store"
)

// NewNewMessageObserver sends optimistic messages. The server's canonical
// copy replaces the local one on success.
func NewNewMessageObserver(env *listener.Env) listener.Registrable {
	return procedure.New(env, procedure.Spec[model.Message, model.Message]{
		Name: "new-message",
		Call: func(ctx context.Context, m model.Message) (model.Message, error) {
			params, err := json.Marshal([]any{map[string]string{"_id": m.ID, "rid": m.RoomID, "msg": m.Msg}})
			if err != nil {
				return model.Message{}, err
			}
			res, err := env.Client.RPC(ctx, "", "sendMessage", params, 0)
			if err != nil {
				return model.Message{}, err
			}
			if len(res) == 0 || string(res) == "null" {
				return model.Message{}, nil
			}
			return model.DecodeMessage(res)
		},
		Succeed: func(tx *store.Tx, m model.Message, echo model.Message) error {
			if echo.ID == m.ID {
				echo.Error = ""
				return tx.Put(echo)
			}
			m.Error = ""
			return tx.Put(m.WithState(model.SyncStateSynced))
		},
		Fail: func(tx *store.Tx, m model.Message, err error) error {
			m.Error = err.Error()
			return tx.Put(m.WithState(model.SyncStateFailed))
		},
	})
}
