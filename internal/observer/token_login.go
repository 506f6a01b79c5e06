package observer

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/logger"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/store"
)

// TokenLoginObserver resumes the default session whenever it holds a
// token that is neither verified nor marked failed.
type TokenLoginObserver struct {
	env *listener.Env

	registered bool
	generation int
	inflight   bool
	stopWatch  func()
}

func NewTokenLoginObserver(env *listener.Env) listener.Registrable {
	return &TokenLoginObserver{env: env}
}

func (o *TokenLoginObserver) Register() {
	if o.registered {
		return
	}
	o.registered = true
	o.generation++
	o.stopWatch = o.env.Store.Watch(func() { o.env.Exec.Post(o.check) }, model.KindSession)
	o.check()
}

func (o *TokenLoginObserver) Unregister() {
	if !o.registered {
		return
	}
	o.registered = false
	o.generation++
	o.inflight = false
	if o.stopWatch != nil {
		o.stopWatch()
		o.stopWatch = nil
	}
}

func (o *TokenLoginObserver) check() {
	if !o.registered || o.inflight {
		return
	}
	var session model.Session
	_ = o.env.Store.View(func(tx *store.Tx) error {
		session, _ = store.Get[model.Session](tx, model.DefaultSessionID)
		return nil
	})
	if session.Token == "" || session.TokenVerified || session.Error != "" {
		return
	}

	o.inflight = true
	generation := o.generation
	token := session.Token
	listener.Async(o.env, func(ctx context.Context) (json.RawMessage, error) {
		params, err := json.Marshal([]any{map[string]string{"resume": token}})
		if err != nil {
			return nil, err
		}
		return o.env.Client.RPC(ctx, "", "login", params, 0)
	}, func(res json.RawMessage, callErr error) {
		if o.generation != generation {
			return
		}
		o.inflight = false
		err := o.env.Store.Update(func(tx *store.Tx) error {
			cur, err := store.Get[model.Session](tx, model.DefaultSessionID)
			if err != nil || cur.Token != token {
				return nil
			}
			if callErr != nil {
				cur.Error = callErr.Error()
				cur.TokenVerified = false
				return tx.Put(cur)
			}
			if t := gjson.GetBytes(res, "token").Str; t != "" {
				cur.Token = t
			}
			cur.UserID = gjson.GetBytes(res, "id").Str
			cur.TokenVerified = true
			cur.Error = ""
			return tx.Put(cur)
		})
		if err != nil {
			logger.ErrorF("[%s] save login result failed: %v", o.env.Hostname, err)
		}
		if callErr != nil {
			logger.WarnF("[%s] resume login failed: %v", o.env.Hostname, callErr)
		} else {
			logger.InfoF("[%s] session resumed", o.env.Hostname)
		}
	})
}
