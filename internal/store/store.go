package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Entity is anything the store can hold. Kind groups records, Key is
// unique within a kind.
type Entity interface {
	Kind() string
	Key() string
}

type record struct {
	seq   int64
	value Entity
}

type Store struct {
	mu   sync.RWMutex
	name string

	records map[string]map[string]*record
	seq     int64

	persister Persister
	schema    Schema
	persist   *persistQueue

	watchMu  sync.Mutex
	watchers map[int64]*watcher
	watchSeq int64
}

type Options struct {
	// Name identifies the store to its persister.
	Name      string
	Persister Persister
	Schema    Schema
}

func New() *Store {
	return &Store{
		records:  make(map[string]map[string]*record),
		watchers: make(map[int64]*watcher),
	}
}

// Open creates a store and loads its last snapshot from opts.Persister.
// Committed writes are then handed to the persister by a background
// goroutine; Flush waits for them and Close stops it.
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := New()
	s.name = opts.Name
	s.persister = opts.Persister
	s.schema = opts.Schema
	if s.persister == nil {
		return s, nil
	}

	snap, err := s.persister.Load(ctx, s.name, s.schema)
	if err != nil {
		return nil, fmt.Errorf("load store %q: %w", s.name, err)
	}
	for kind, recs := range snap {
		m := make(map[string]*record, len(recs))
		for _, r := range recs {
			if r.Value == nil || r.Value.Key() == "" {
				continue
			}
			m[r.Value.Key()] = &record{seq: r.Seq, value: r.Value}
			if r.Seq > s.seq {
				s.seq = r.Seq
			}
		}
		s.records[kind] = m
	}
	s.persist = newPersistQueue(s.name, s.persister)
	go s.persist.run()
	return s, nil
}

func (s *Store) Name() string {
	return s.name
}

// View runs fn against a consistent read-only snapshot.
func (s *Store) View(fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Tx{store: s})
}

// Update runs fn in a write transaction. Writes are staged and applied only
// when fn returns nil. Watchers of the touched kinds run after the commit,
// outside the store lock.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	tx := &Tx{store: s, writable: true}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(tx.staged) == 0 {
		s.mu.Unlock()
		return nil
	}

	touched, changes := s.commitLocked(tx)
	if s.persist != nil {
		// Enqueued under the lock so the queue sees commits in order.
		s.persist.add(changes)
	}
	s.mu.Unlock()

	s.notify(touched)
	return nil
}

func (s *Store) commitLocked(tx *Tx) (map[string]struct{}, []Change) {
	touched := make(map[string]struct{})
	changes := make([]Change, 0, len(tx.order))
	for _, op := range tx.order {
		st := tx.staged[op]
		touched[op.kind] = struct{}{}
		m := s.records[op.kind]
		if st.deleted {
			if m != nil {
				delete(m, op.key)
			}
			changes = append(changes, Change{Kind: op.kind, Key: op.key})
			continue
		}
		if m == nil {
			m = make(map[string]*record)
			s.records[op.kind] = m
		}
		if existing, ok := m[op.key]; ok {
			existing.value = st.value
			changes = append(changes, Change{Kind: op.kind, Key: op.key, Seq: existing.seq, Value: st.value})
			continue
		}
		s.seq++
		m[op.key] = &record{seq: s.seq, value: st.value}
		changes = append(changes, Change{Kind: op.kind, Key: op.key, Seq: s.seq, Value: st.value})
	}
	return touched, changes
}

func sortedRecords(m map[string]*record) []Record {
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, Record{Seq: r.seq, Value: r.value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

type stagedKey struct {
	kind string
	key  string
}

type stagedWrite struct {
	value   Entity
	deleted bool
}

// Tx is a transaction handle. It must not be used after the View or Update
// callback returns.
type Tx struct {
	store    *Store
	writable bool
	staged   map[stagedKey]stagedWrite
	order    []stagedKey
}

func (tx *Tx) Writable() bool {
	return tx.writable
}

func (tx *Tx) Put(e Entity) error {
	if !tx.writable {
		return ErrReadOnly
	}
	if e == nil || e.Key() == "" {
		return errors.New("entity key is empty")
	}
	tx.stage(stagedKey{kind: e.Kind(), key: e.Key()}, stagedWrite{value: e})
	return nil
}

func (tx *Tx) Delete(kind, key string) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.stage(stagedKey{kind: kind, key: key}, stagedWrite{deleted: true})
	return nil
}

func (tx *Tx) stage(k stagedKey, w stagedWrite) {
	if tx.staged == nil {
		tx.staged = make(map[stagedKey]stagedWrite)
	}
	if _, ok := tx.staged[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.staged[k] = w
}

func (tx *Tx) get(kind, key string) (Entity, bool) {
	if w, ok := tx.staged[stagedKey{kind: kind, key: key}]; ok {
		if w.deleted {
			return nil, false
		}
		return w.value, true
	}
	r, ok := tx.store.records[kind][key]
	if !ok {
		return nil, false
	}
	return r.value, true
}

// scan yields the records of a kind in insertion order, with staged writes
// applied. Records first created in this transaction come last.
func (tx *Tx) scan(kind string, yield func(Entity) bool) {
	for _, r := range sortedRecords(tx.store.records[kind]) {
		v := r.Value
		if w, ok := tx.staged[stagedKey{kind: kind, key: v.Key()}]; ok {
			if w.deleted {
				continue
			}
			v = w.value
		}
		if !yield(v) {
			return
		}
	}
	for _, k := range tx.order {
		if k.kind != kind {
			continue
		}
		if _, existed := tx.store.records[kind][k.key]; existed {
			continue
		}
		w := tx.staged[k]
		if w.deleted {
			continue
		}
		if !yield(w.value) {
			return
		}
	}
}

func kindOf[T Entity]() string {
	var zero T
	return zero.Kind()
}

// Get returns the record of type T stored under key.
func Get[T Entity](tx *Tx, key string) (T, error) {
	var zero T
	v, ok := tx.get(kindOf[T](), key)
	if !ok {
		return zero, ErrNotFound
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("record %s/%s has type %T", zero.Kind(), key, v)
	}
	return t, nil
}

// Find returns the records of type T matching fn in insertion order. A nil
// fn matches everything.
func Find[T Entity](tx *Tx, fn func(T) bool) []T {
	var out []T
	tx.scan(kindOf[T](), func(e Entity) bool {
		if t, ok := e.(T); ok && (fn == nil || fn(t)) {
			out = append(out, t)
		}
		return true
	})
	return out
}

func First[T Entity](tx *Tx, fn func(T) bool) (T, bool) {
	var (
		found T
		ok    bool
	)
	tx.scan(kindOf[T](), func(e Entity) bool {
		if t, isT := e.(T); isT && (fn == nil || fn(t)) {
			found, ok = t, true
			return false
		}
		return true
	})
	return found, ok
}

func Count[T Entity](tx *Tx, fn func(T) bool) int {
	n := 0
	tx.scan(kindOf[T](), func(e Entity) bool {
		if t, ok := e.(T); ok && (fn == nil || fn(t)) {
			n++
		}
		return true
	})
	return n
}

// DeleteWhere removes every record of type T matching fn and reports how
// many were removed.
func DeleteWhere[T Entity](tx *Tx, fn func(T) bool) (int, error) {
	if !tx.writable {
		return 0, ErrReadOnly
	}
	matched := Find(tx, fn)
	for _, t := range matched {
		if err := tx.Delete(t.Kind(), t.Key()); err != nil {
			return 0, err
		}
	}
	return len(matched), nil
}
