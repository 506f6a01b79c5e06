package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rocket-sync-lite/internal/logger"
)

const persistRetryDelay = time.Second

// persistQueue collects committed changes and saves them on its own
// goroutine. Repeated writes to one record before a save collapse into the
// latest one, so a burst of commits costs a single Save.
type persistQueue struct {
	name      string
	persister Persister

	mu    sync.Mutex
	dirty map[stagedKey]Change

	wake     chan struct{}
	flushReq chan chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newPersistQueue(name string, persister Persister) *persistQueue {
	return &persistQueue{
		name:      name,
		persister: persister,
		dirty:     make(map[stagedKey]Change),
		wake:      make(chan struct{}, 1),
		flushReq:  make(chan chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (q *persistQueue) add(changes []Change) {
	if len(changes) == 0 {
		return
	}
	q.mu.Lock()
	for _, c := range changes {
		q.dirty[stagedKey{kind: c.Kind, key: c.Key}] = c
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *persistQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dirty)
}

func (q *persistQueue) run() {
	defer close(q.done)
	retry := time.NewTimer(persistRetryDelay)
	retry.Stop()
	defer retry.Stop()

	for {
		var reply chan struct{}
		select {
		case <-q.wake:
		case <-retry.C:
		case reply = <-q.flushReq:
		case <-q.stop:
			q.save()
			return
		}
		if !q.save() {
			retry.Reset(persistRetryDelay)
		}
		if reply != nil {
			close(reply)
		}
	}
}

// save hands every dirty record to the persister. On failure the batch is
// put back unless a newer write to the same record arrived meanwhile.
func (q *persistQueue) save() bool {
	q.mu.Lock()
	if len(q.dirty) == 0 {
		q.mu.Unlock()
		return true
	}
	batch := make([]Change, 0, len(q.dirty))
	for _, c := range q.dirty {
		batch = append(batch, c)
	}
	q.dirty = make(map[stagedKey]Change)
	q.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Kind != batch[j].Kind {
			return batch[i].Kind < batch[j].Kind
		}
		return batch[i].Key < batch[j].Key
	})
	if err := q.persister.Save(context.Background(), q.name, batch); err != nil {
		logger.ErrorF("[%s] store persistence: save of %d records failed: %v", q.name, len(batch), err)
		q.mu.Lock()
		for _, c := range batch {
			k := stagedKey{kind: c.Kind, key: c.Key}
			if _, newer := q.dirty[k]; !newer {
				q.dirty[k] = c
			}
		}
		q.mu.Unlock()
		return false
	}
	return true
}

func (q *persistQueue) flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case q.flushReq <- reply:
		select {
		case <-reply:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-q.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n := q.pending(); n > 0 {
		return fmt.Errorf("store %q: %d records not persisted", q.name, n)
	}
	return nil
}

func (q *persistQueue) close(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stop) })
	select {
	case <-q.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n := q.pending(); n > 0 {
		return fmt.Errorf("store %q: %d records not persisted", q.name, n)
	}
	return nil
}

// Flush waits until every write committed so far has been saved.
func (s *Store) Flush(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	return s.persist.flush(ctx)
}

// Close saves pending writes and stops the persistence goroutine. Writes
// committed afterwards stay in memory only.
func (s *Store) Close(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	return s.persist.close(ctx)
}
