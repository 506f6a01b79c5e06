package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/procedure"
	"rocket-sync-lite/internal/store"
)

// NewLoadMessageProcedureObserver pages room history backwards from the
// procedure's high-water mark.
func NewLoadMessageProcedureObserver(env *listener.Env) listener.Registrable {
	return procedure.New(env, procedure.Spec[model.LoadMessageProcedure, []model.Message]{
		Name: "load-message",
		Call: func(ctx context.Context, p model.LoadMessageProcedure) ([]model.Message, error) {
			ts := p.Timestamp
			if p.Reset {
				ts = 0
			}
			params, err := json.Marshal([]any{p.RoomID, model.EJSONDate(ts), p.Count, model.EJSONDate(0)})
			if err != nil {
				return nil, err
			}
			res, err := env.Client.RPC(ctx, "", "loadHistory", params, 0)
			if err != nil {
				return nil, err
			}
			return decodeMessages(gjson.GetBytes(res, "messages"))
		},
		Succeed: func(tx *store.Tx, p model.LoadMessageProcedure, msgs []model.Message) error {
			for _, m := range msgs {
				if err := tx.Put(m); err != nil {
					return err
				}
			}
			synced := store.Find[model.Message](tx, func(m model.Message) bool {
				return m.RoomID == p.RoomID && m.Sync == model.SyncStateSynced
			})
			sort.SliceStable(synced, func(i, j int) bool { return synced[i].Timestamp < synced[j].Timestamp })
			p.Timestamp = 0
			if len(synced) > 0 {
				p.Timestamp = synced[0].Timestamp.Millis()
			}
			p.Reset = false
			p.HasNext = len(msgs) == p.Count
			p.Error = ""
			return tx.Put(p.WithState(model.SyncStateSynced))
		},
		Fail: func(tx *store.Tx, p model.LoadMessageProcedure, err error) error {
			p.Error = err.Error()
			return tx.Put(p.WithState(model.SyncStateFailed))
		},
	})
}

func decodeMessages(arr gjson.Result) ([]model.Message, error) {
	if !arr.Exists() {
		return nil, fmt.Errorf("history result has no messages")
	}
	if !arr.IsArray() {
		return nil, fmt.Errorf("history messages is %s, not an array", arr.Type)
	}
	var out []model.Message
	for _, item := range arr.Array() {
		m, err := model.DecodeMessage([]byte(item.Raw))
		if err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
