// Package subscriber mirrors server-side publications into the store.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"

	"rocket-sync-lite/internal/ddp"
	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/logger"
	"rocket-sync-lite/internal/store"
)

// Handler applies one pushed event inside a write transaction.
type Handler func(tx *store.Tx, ev ddp.Event) error

// Subscription keeps one named server subscription open while registered
// and feeds the events of its collection to a Handler on the worker loop.
type Subscription struct {
	env        *listener.Env
	name       string
	params     []any
	collection string
	handle     Handler

	registered    bool
	generation    int
	subID         string
	removeHandler func()
}

func New(env *listener.Env, name, collection string, handle Handler, params ...any) *Subscription {
	return &Subscription{
		env:        env,
		name:       name,
		params:     params,
		collection: collection,
		handle:     handle,
	}
}

func (s *Subscription) Name() string {
	return s.name
}

func (s *Subscription) Register() {
	if s.registered {
		return
	}
	s.registered = true
	s.generation++
	generation := s.generation

	// Initial documents arrive before "ready", so listen first.
	s.removeHandler = s.env.Client.AddEventHandler(func(ev ddp.Event) {
		if ev.Collection != s.collection {
			return
		}
		s.env.Exec.Post(func() {
			if s.registered && s.generation == generation {
				s.apply(ev)
			}
		})
	})

	listener.Async(s.env, func(ctx context.Context) (string, error) {
		return s.env.Client.Subscribe(ctx, s.name, s.params...)
	}, func(id string, err error) {
		if err != nil {
			logger.WarnF("[%s] subscribe %s failed: %v", s.env.Hostname, s.name, err)
			return
		}
		if !s.registered || s.generation != generation {
			// Unregistered while the subscription was starting.
			s.unsubscribe(id)
			return
		}
		s.subID = id
	})
}

func (s *Subscription) Unregister() {
	if !s.registered {
		return
	}
	s.registered = false
	s.generation++
	if s.removeHandler != nil {
		s.removeHandler()
		s.removeHandler = nil
	}
	if s.subID != "" {
		s.unsubscribe(s.subID)
		s.subID = ""
	}
}

func (s *Subscription) unsubscribe(id string) {
	if !s.env.Client.Connected() {
		return
	}
	if err := s.env.Client.Unsubscribe(s.env.Ctx, id); err != nil && !errors.Is(err, ddp.ErrClosed) {
		logger.WarnF("[%s] unsubscribe %s failed: %v", s.env.Hostname, s.name, err)
	}
}

func (s *Subscription) apply(ev ddp.Event) {
	err := s.env.Store.Update(func(tx *store.Tx) error {
		return s.handle(tx, ev)
	})
	if err != nil {
		logger.ErrorF("[%s] %s: apply %s %s/%s failed: %v", s.env.Hostname, s.name, ev.Type, ev.Collection, ev.ID, err)
	}
}

// Merge returns a Handler that upserts documents of type T, merging
// changed fields into the stored record and deleting on removal.
func Merge[T store.Entity](withID func(T, string) T) Handler {
	return func(tx *store.Tx, ev ddp.Event) error {
		var zero T
		if ev.Type == ddp.EventRemoved {
			return tx.Delete(zero.Kind(), ev.ID)
		}
		existing, err := store.Get[T](tx, ev.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if errors.Is(err, store.ErrNotFound) || ev.Type == ddp.EventAdded {
			existing = zero
		}
		merged, err := MergeFields(existing, ev.Fields, ev.Cleared)
		if err != nil {
			return err
		}
		return tx.Put(withID(merged, ev.ID))
	}
}

// MergeFields overlays the JSON fields onto v and drops the cleared ones.
func MergeFields[T any](v T, fields json.RawMessage, cleared []string) (T, error) {
	var zero T
	base, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &doc); err != nil {
		return zero, err
	}
	for _, k := range cleared {
		delete(doc, k)
	}
	if len(fields) > 0 && string(fields) != "null" {
		var patch map[string]json.RawMessage
		if err := json.Unmarshal(fields, &patch); err != nil {
			return zero, err
		}
		for k, val := range patch {
			doc[k] = val
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}
