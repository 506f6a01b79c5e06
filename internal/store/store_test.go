package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type item struct {
	ID    string `json:"id"`
	State int    `json:"state"`
}

func (item) Kind() string { return "item" }
func (i item) Key() string { return i.ID }

type other struct {
	ID string `json:"id"`
}

func (other) Kind() string { return "other" }
func (o other) Key() string { return o.ID }

func put(t *testing.T, s *Store, entities ...Entity) {
	t.Helper()
	err := s.Update(func(tx *Tx) error {
		for _, e := range entities {
			if err := tx.Put(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func ids(items []item) []string {
	out := make([]string, 0, len(items))
	for _, i := range items {
		out = append(out, i.ID)
	}
	return out
}

func TestStore_InsertionOrderSurvivesRewrite(t *testing.T) {
	s := New()
	put(t, s, item{ID: "b"}, item{ID: "a"}, item{ID: "c"})
	put(t, s, item{ID: "b", State: 2})

	var got []item
	_ = s.View(func(tx *Tx) error {
		got = Find[item](tx, nil)
		return nil
	})
	assert.Equal(t, ids(got), []string{"b", "a", "c"})
	assert.Equal(t, got[0].State, 2)
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	err := s.Update(func(tx *Tx) error {
		_ = tx.Put(item{ID: "x"})
		return boom
	})
	assert.Equal(t, errors.Is(err, boom), true)

	_ = s.View(func(tx *Tx) error {
		_, err := Get[item](tx, "x")
		assert.Equal(t, errors.Is(err, ErrNotFound), true)
		return nil
	})
}

func TestStore_ViewIsReadOnly(t *testing.T) {
	s := New()
	_ = s.View(func(tx *Tx) error {
		assert.Equal(t, tx.Put(item{ID: "x"}), ErrReadOnly)
		_, err := DeleteWhere[item](tx, nil)
		assert.Equal(t, err, ErrReadOnly)
		return nil
	})
}

func TestStore_TransactionSeesStagedWrites(t *testing.T) {
	s := New()
	put(t, s, item{ID: "a"}, item{ID: "b"})

	_ = s.Update(func(tx *Tx) error {
		_ = tx.Put(item{ID: "c", State: 1})
		_ = tx.Delete("item", "a")
		_ = tx.Put(item{ID: "b", State: 1})

		assert.Equal(t, ids(Find[item](tx, nil)), []string{"b", "c"})
		assert.Equal(t, Count[item](tx, func(i item) bool { return i.State == 1 }), 2)
		first, ok := First[item](tx, func(i item) bool { return i.State == 1 })
		assert.Equal(t, ok, true)
		assert.Equal(t, first.ID, "b")
		return nil
	})
}

func TestStore_DeleteWhere(t *testing.T) {
	s := New()
	put(t, s, item{ID: "a", State: 1}, item{ID: "b", State: 2}, item{ID: "c", State: 1})

	var n int
	err := s.Update(func(tx *Tx) error {
		var err error
		n, err = DeleteWhere[item](tx, func(i item) bool { return i.State == 1 })
		return err
	})
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	assert.Equal(t, n, 2)

	// Running it again is a no-op.
	_ = s.Update(func(tx *Tx) error {
		n, _ = DeleteWhere[item](tx, func(i item) bool { return i.State == 1 })
		return nil
	})
	assert.Equal(t, n, 0)
}

func TestStore_WatchFiltersKindsAndStops(t *testing.T) {
	s := New()
	itemCalls, anyCalls := 0, 0
	stop := s.Watch(func() {
		// Watchers run outside the lock and may read the store.
		_ = s.View(func(tx *Tx) error { return nil })
		itemCalls++
	}, "item")
	s.Watch(func() { anyCalls++ })

	put(t, s, item{ID: "a"})
	put(t, s, other{ID: "o"})
	assert.Equal(t, itemCalls, 1)
	assert.Equal(t, anyCalls, 2)

	stop()
	stop()
	put(t, s, item{ID: "b"})
	assert.Equal(t, itemCalls, 1)
	assert.Equal(t, anyCalls, 3)
}

func TestStore_EmptyUpdateDoesNotNotify(t *testing.T) {
	s := New()
	calls := 0
	s.Watch(func() { calls++ })
	_ = s.Update(func(tx *Tx) error { return nil })
	assert.Equal(t, calls, 0)
}

func testSchema() Schema {
	schema := Schema{}
	Register[item](schema)
	Register[other](schema)
	return schema
}

func TestFilePersister_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(ctx, Options{Name: "server-a", Persister: NewFilePersister(dir), Schema: testSchema()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	put(t, s1, item{ID: "z", State: 1}, item{ID: "a", State: 3})
	put(t, s1, other{ID: "o"})
	_ = s1.Update(func(tx *Tx) error { return tx.Delete("other", "o") })
	if err := s1.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "server-a.json"))
	if err != nil {
		t.Fatalf("expected state file written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected state file mode 0600, got %o", info.Mode().Perm())
	}

	s2, err := Open(ctx, Options{Name: "server-a", Persister: NewFilePersister(dir), Schema: testSchema()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s2.View(func(tx *Tx) error {
		got := Find[item](tx, nil)
		assert.Equal(t, ids(got), []string{"z", "a"})
		assert.Equal(t, got[1].State, 3)
		assert.Equal(t, Count[other](tx, nil), 0)
		return nil
	})

	// New records keep sorting after the loaded ones.
	put(t, s2, item{ID: "m"})
	_ = s2.View(func(tx *Tx) error {
		assert.Equal(t, ids(Find[item](tx, nil)), []string{"z", "a", "m"})
		return nil
	})
}

type recordingPersister struct {
	mu      sync.Mutex
	batches [][]Change
	fail    int
	// gate, when set, holds every Save until it is closed.
	gate chan struct{}
}

func (p *recordingPersister) Load(context.Context, string, Schema) (Snapshot, error) {
	return Snapshot{}, nil
}

func (p *recordingPersister) Save(_ context.Context, _ string, changes []Change) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return errors.New("database unavailable")
	}
	p.batches = append(p.batches, append([]Change(nil), changes...))
	return nil
}

func (p *recordingPersister) saved() [][]Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]Change(nil), p.batches...)
}

func TestStore_PersistsTouchedRecordsOffTheCommitPath(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{gate: make(chan struct{})}
	s, err := Open(ctx, Options{Name: "s", Persister: p, Schema: testSchema()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	put(t, s, item{ID: "keep"})

	// Commits return while a save is stuck.
	begin := time.Now()
	for i := 1; i <= 100; i++ {
		put(t, s, item{ID: "a", State: i})
	}
	put(t, s, other{ID: "o"})
	_ = s.Update(func(tx *Tx) error { return tx.Delete("other", "o") })
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("commits waited for the persister: %v", elapsed)
	}

	close(p.gate)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	final := make(map[string]Change)
	total := 0
	for _, batch := range p.saved() {
		total += len(batch)
		for _, c := range batch {
			final[c.Kind+"/"+c.Key] = c
		}
	}
	assert.Equal(t, len(final), 3)
	assert.Equal(t, final["item/a"].Value.(item).State, 100)
	assert.Equal(t, final["item/keep"].Value.(item).ID, "keep")
	assert.Equal(t, final["other/o"].Value, nil)
	if total > 5 {
		t.Fatalf("expected coalesced saves, got %d changes", total)
	}
}

func TestStore_RetriesFailedSave(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{fail: 1}
	s, err := Open(ctx, Options{Name: "s", Persister: p, Schema: testSchema()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	put(t, s, item{ID: "a", State: 1})

	if err := s.Flush(ctx); err != nil {
		if err := s.Flush(ctx); err != nil {
			t.Fatalf("Flush after failure: %v", err)
		}
	}
	batches := p.saved()
	assert.Equal(t, len(batches), 1)
	assert.Equal(t, batches[0][0].Key, "a")
	assert.Equal(t, batches[0][0].Value.(item).State, 1)
}

func TestManager_InvokeSavesEveryStore(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	m, err := NewManager(ctx, p, testSchema())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s1, _ := m.ForServer(ctx, "s1")
	put(t, s1, item{ID: "x"})
	put(t, m.Default(), other{ID: "y"})

	if err := m.Invoke(ctx); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	keys := map[string]bool{}
	for _, batch := range p.saved() {
		for _, c := range batch {
			keys[c.Key] = true
		}
	}
	assert.Equal(t, keys, map[string]bool{"x": true, "y": true})
}

func TestManager_ServerStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, nil, testSchema())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s1, _ := m.ForServer(ctx, "s1")
	s2, _ := m.ForServer(ctx, "s2")
	again, _ := m.ForServer(ctx, "s1")
	assert.Equal(t, s1 == again, true)

	calls := 0
	s1.Watch(func() { calls++ }, "item")
	put(t, s2, item{ID: "x"})
	put(t, m.Default(), item{ID: "x"})
	assert.Equal(t, calls, 0)

	put(t, s1, item{ID: "x"})
	assert.Equal(t, calls, 1)
	assert.Equal(t, m.Servers(), []string{"s1", "s2"})
}
