package observer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/procedure"
	"rocket-sync-lite/internal/store"
)

type roomMembers struct {
	total   int64
	records []string
}

func NewGetUsersOfRoomsProcedureObserver(env *listener.Env) listener.Registrable {
	return procedure.New(env, procedure.Spec[model.GetUsersOfRoomsProcedure, roomMembers]{
		Name: "get-users-of-room",
		Call: func(ctx context.Context, p model.GetUsersOfRoomsProcedure) (roomMembers, error) {
			params, err := json.Marshal([]any{p.RoomID, p.ShowAll})
			if err != nil {
				return roomMembers{}, err
			}
			res, err := env.Client.RPC(ctx, "", "getUsersOfRoom", params, 0)
			if err != nil {
				return roomMembers{}, err
			}
			return decodeMembers(res)
		},
		Succeed: func(tx *store.Tx, p model.GetUsersOfRoomsProcedure, res roomMembers) error {
			p.Total = res.total
			p.Records = res.records
			p.Error = ""
			return tx.Put(p.WithState(model.SyncStateSynced))
		},
		Fail: func(tx *store.Tx, p model.GetUsersOfRoomsProcedure, err error) error {
			p.Error = err.Error()
			return tx.Put(p.WithState(model.SyncStateFailed))
		},
	})
}

func decodeMembers(res json.RawMessage) (roomMembers, error) {
	parsed := gjson.ParseBytes(res)
	if !parsed.IsObject() {
		return roomMembers{}, fmt.Errorf("members result is %s, not an object", parsed.Type)
	}
	records := parsed.Get("records")
	if !records.IsArray() {
		return roomMembers{}, fmt.Errorf("members result has no records array")
	}
	out := roomMembers{total: parsed.Get("total").Int(), records: []string{}}
	for _, r := range records.Array() {
		// Older servers send usernames, newer ones user objects.
		if r.IsObject() {
			out.records = append(out.records, r.Get("username").Str)
			continue
		}
		out.records = append(out.records, r.String())
	}
	return out, nil
}
