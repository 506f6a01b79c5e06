package store

import (
	"sort"
	"sync"
)

type watcher struct {
	kinds map[string]struct{}
	fn    func()
}

// Watch registers fn to run after every committed Update touching one of
// kinds (any kind when none are given). fn runs on the committing goroutine
// after the store lock is released. The returned stop func is idempotent.
func (s *Store) Watch(fn func(), kinds ...string) (stop func()) {
	w := &watcher{fn: fn}
	if len(kinds) > 0 {
		w.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			w.kinds[k] = struct{}{}
		}
	}

	s.watchMu.Lock()
	s.watchSeq++
	id := s.watchSeq
	s.watchers[id] = w
	s.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) notify(touched map[string]struct{}) {
	s.watchMu.Lock()
	fns := make([]func(), 0, len(s.watchers))
	ids := make([]int64, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		w := s.watchers[id]
		if w.matches(touched) {
			fns = append(fns, w.fn)
		}
	}
	s.watchMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (w *watcher) matches(touched map[string]struct{}) bool {
	if w.kinds == nil {
		return true
	}
	for k := range touched {
		if _, ok := w.kinds[k]; ok {
			return true
		}
	}
	return false
}
