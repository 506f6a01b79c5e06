// Package procedure drives durable procedure records through
// NOT_SYNCED -> SYNCING -> SYNCED|FAILED, one remote call at a time.
package procedure

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"

	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/logger"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/store"
)

// Spec describes one queue. T is the record type and R what the remote
// call returns.
type Spec[T model.Procedure[T], R any] struct {
	Name string

	// Filter narrows the records this queue owns. nil owns every record
	// of the kind.
	Filter func(T) bool
	// Scope returns the records whose SYNCING count limits dispatching of
	// candidate. nil scopes to the whole queue.
	Scope func(candidate T) func(T) bool
	// Limit is the number of SYNCING records allowed in a scope; 0 means 1.
	Limit int
	// Digest enables skipping cycles whose candidate set is unchanged.
	Digest bool
	// Purge selects terminal records deleted when the queue is created.
	Purge func(T) bool

	Call    func(ctx context.Context, item T) (R, error)
	Succeed func(tx *store.Tx, item T, result R) error
	Fail    func(tx *store.Tx, item T, err error) error
}

type Queue[T model.Procedure[T], R any] struct {
	env  *listener.Env
	spec Spec[T, R]

	// Everything below is only touched on the worker loop, except
	// scheduled.
	registered bool
	generation int
	stopWatch  func()
	lastDigest string
	lastCount  int
	scheduled  atomic.Bool
}

// New creates a queue and performs its startup cleanup: records left
// SYNCING by a previous run go back to NOT_SYNCED and records selected by
// Purge are deleted.
func New[T model.Procedure[T], R any](env *listener.Env, spec Spec[T, R]) *Queue[T, R] {
	if spec.Limit <= 0 {
		spec.Limit = 1
	}
	q := &Queue[T, R]{env: env, spec: spec}
	if err := q.reset(); err != nil {
		logger.ErrorF("[%s] %s: startup cleanup failed: %v", env.Hostname, spec.Name, err)
	}
	return q
}

func (q *Queue[T, R]) owns(item T) bool {
	return q.spec.Filter == nil || q.spec.Filter(item)
}

func (q *Queue[T, R]) reset() error {
	return q.env.Store.Update(func(tx *store.Tx) error {
		stale := store.Find[T](tx, func(item T) bool {
			return item.State() == model.SyncStateSyncing && q.owns(item)
		})
		for _, item := range stale {
			if err := tx.Put(item.WithState(model.SyncStateNotSynced)); err != nil {
				return err
			}
		}
		if q.spec.Purge == nil {
			return nil
		}
		_, err := store.DeleteWhere[T](tx, func(item T) bool {
			return item.State().Terminal() && q.owns(item) && q.spec.Purge(item)
		})
		return err
	})
}

func (q *Queue[T, R]) kind() string {
	var zero T
	return zero.Kind()
}

func (q *Queue[T, R]) Register() {
	if q.registered {
		return
	}
	q.registered = true
	q.generation++
	q.lastDigest = ""
	q.stopWatch = q.env.Store.Watch(q.trigger, q.kind())
	q.trigger()
}

func (q *Queue[T, R]) Unregister() {
	if !q.registered {
		return
	}
	q.registered = false
	q.generation++
	if q.stopWatch != nil {
		q.stopWatch()
		q.stopWatch = nil
	}
}

// trigger may run on any goroutine; it coalesces bursts of store changes
// into one pending cycle.
func (q *Queue[T, R]) trigger() {
	if q.scheduled.Swap(true) {
		return
	}
	if !q.env.Exec.Post(q.cycle) {
		q.scheduled.Store(false)
	}
}

func (q *Queue[T, R]) cycle() {
	q.scheduled.Store(false)
	if !q.registered {
		return
	}

	var (
		candidate T
		found     bool
		inflight  int
		digest    string
	)
	_ = q.env.Store.View(func(tx *store.Tx) error {
		pending := store.Find[T](tx, func(item T) bool {
			return item.State() == model.SyncStateNotSynced && q.owns(item)
		})
		if len(pending) == 0 {
			return nil
		}
		candidate, found = pending[0], true
		if q.spec.Digest {
			digest = Digest(pending)
		}

		scope := q.owns
		if q.spec.Scope != nil {
			scope = q.spec.Scope(candidate)
		}
		inflight = store.Count[T](tx, func(item T) bool {
			return item.State() == model.SyncStateSyncing && scope(item)
		})
		return nil
	})
	if !found {
		return
	}
	if q.spec.Digest {
		// Same candidates and same in-flight load as last time: this
		// notification carries no new work.
		if digest == q.lastDigest && inflight == q.lastCount {
			return
		}
		q.lastDigest, q.lastCount = digest, inflight
	}
	if inflight >= q.spec.Limit {
		return
	}
	q.dispatch(candidate)
}

var errNotPending = errors.New("record is no longer pending")

func (q *Queue[T, R]) dispatch(candidate T) {
	var item T
	err := q.env.Store.Update(func(tx *store.Tx) error {
		cur, err := store.Get[T](tx, candidate.Key())
		if err != nil {
			return err
		}
		if cur.State() != model.SyncStateNotSynced {
			return errNotPending
		}
		item = cur.WithState(model.SyncStateSyncing)
		return tx.Put(item)
	})
	if err != nil {
		q.lastDigest = ""
		if !errors.Is(err, errNotPending) && !errors.Is(err, store.ErrNotFound) {
			logger.ErrorF("[%s] %s: mark %s syncing failed: %v", q.env.Hostname, q.spec.Name, candidate.Key(), err)
		}
		return
	}

	logger.DebugF("[%s] %s: dispatch %s", q.env.Hostname, q.spec.Name, item.Key())
	generation := q.generation
	listener.Async(q.env, func(ctx context.Context) (R, error) {
		return q.spec.Call(ctx, item)
	}, func(res R, callErr error) {
		if !q.registered || q.generation != generation {
			return
		}
		q.complete(item, res, callErr)
	})
}

func (q *Queue[T, R]) complete(item T, res R, callErr error) {
	q.lastDigest = ""
	err := q.env.Store.Update(func(tx *store.Tx) error {
		cur, err := store.Get[T](tx, item.Key())
		if err != nil {
			return err
		}
		if cur.State() != model.SyncStateSyncing {
			return errNotPending
		}
		if callErr != nil {
			return q.spec.Fail(tx, cur, callErr)
		}
		return q.spec.Succeed(tx, cur, res)
	})
	switch {
	case err == nil:
		if callErr != nil {
			logger.WarnF("[%s] %s: %s failed: %v", q.env.Hostname, q.spec.Name, item.Key(), callErr)
		} else {
			logger.DebugF("[%s] %s: %s synced", q.env.Hostname, q.spec.Name, item.Key())
		}
	case errors.Is(err, errNotPending), errors.Is(err, store.ErrNotFound):
		logger.DebugF("[%s] %s: outcome of %s discarded, record changed meanwhile", q.env.Hostname, q.spec.Name, item.Key())
	default:
		logger.ErrorF("[%s] %s: apply outcome of %s failed: %v", q.env.Hostname, q.spec.Name, item.Key(), err)
	}
	// A failed Succeed/Fail transaction leaves nothing committed, so wake
	// up explicitly for the next candidate.
	q.trigger()
}

// Digest fingerprints a candidate set by its keys, each terminated by a
// NUL byte. nil hashes to "-" and an empty set to "[]".
func Digest[T store.Entity](items []T) string {
	if items == nil {
		return "-"
	}
	if len(items) == 0 {
		return "[]"
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item.Key())
		b.WriteByte(0)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
