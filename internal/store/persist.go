package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type Record struct {
	Seq   int64
	Value Entity
}

// Snapshot maps a kind to its records in insertion order. A kind present
// with no records has been emptied.
type Snapshot map[string][]Record

// Change is one committed write. A nil Value means the record was deleted.
type Change struct {
	Kind  string
	Key   string
	Seq   int64
	Value Entity
}

// Persister keeps a durable copy of a store. Save receives only the
// records written since the previous successful Save.
type Persister interface {
	Load(ctx context.Context, name string, schema Schema) (Snapshot, error)
	Save(ctx context.Context, name string, changes []Change) error
}

// Schema tells persisters how to materialize each kind.
type Schema map[string]Decoder

type Decoder struct {
	New   func() any
	Value func(ptr any) Entity
}

func Register[T Entity](s Schema) {
	s[kindOf[T]()] = Decoder{
		New:   func() any { return new(T) },
		Value: func(ptr any) Entity { return *(ptr.(*T)) },
	}
}

type persistedRecord struct {
	Seq   int64           `json:"seq"`
	Value json.RawMessage `json:"value"`
}

type persistedStoreFile struct {
	Version int                          `json:"version"`
	Kinds   map[string][]persistedRecord `json:"kinds"`
	SavedAt int64                        `json:"savedAt"`
}

// FilePersister keeps one JSON snapshot file per store under Dir. Records
// are kept encoded, so a Save only marshals what changed before rewriting
// the file.
type FilePersister struct {
	Dir string

	mu    sync.Mutex
	cache map[string]map[string]map[string]persistedRecord
}

func NewFilePersister(dir string) *FilePersister {
	return &FilePersister{Dir: dir, cache: make(map[string]map[string]map[string]persistedRecord)}
}

func (p *FilePersister) path(name string) string {
	if name == "" {
		name = "default"
	}
	return filepath.Join(p.Dir, sanitizeName(name)+".json")
}

func (p *FilePersister) Load(_ context.Context, name string, schema Schema) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kinds := make(map[string]map[string]persistedRecord)
	p.cache[name] = kinds

	data, err := os.ReadFile(p.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return Snapshot{}, nil
	}

	var file persistedStoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Version != 1 {
		return nil, errors.New("unsupported store state version")
	}

	snap := make(Snapshot, len(file.Kinds))
	for kind, recs := range file.Kinds {
		dec, ok := schema[kind]
		if !ok {
			continue
		}
		byKey := make(map[string]persistedRecord, len(recs))
		for _, r := range recs {
			ptr := dec.New()
			if err := json.Unmarshal(r.Value, ptr); err != nil {
				return nil, fmt.Errorf("decode %s: %w", kind, err)
			}
			v := dec.Value(ptr)
			byKey[v.Key()] = r
			snap[kind] = append(snap[kind], Record{Seq: r.Seq, Value: v})
		}
		kinds[kind] = byKey
	}
	return snap, nil
}

func (p *FilePersister) Save(_ context.Context, name string, changes []Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	kinds := p.cache[name]
	if kinds == nil {
		kinds = make(map[string]map[string]persistedRecord)
		p.cache[name] = kinds
	}
	for _, c := range changes {
		byKey := kinds[c.Kind]
		if c.Value == nil {
			delete(byKey, c.Key)
			if len(byKey) == 0 {
				delete(kinds, c.Kind)
			}
			continue
		}
		raw, err := json.Marshal(c.Value)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", c.Kind, c.Key, err)
		}
		if byKey == nil {
			byKey = make(map[string]persistedRecord)
			kinds[c.Kind] = byKey
		}
		byKey[c.Key] = persistedRecord{Seq: c.Seq, Value: raw}
	}

	out := make(map[string][]persistedRecord, len(kinds))
	for kind, byKey := range kinds {
		recs := make([]persistedRecord, 0, len(byKey))
		for _, r := range byKey {
			recs = append(recs, r)
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
		out[kind] = recs
	}
	return writeFileAtomic(p.path(name), persistedStoreFile{
		Version: 1,
		Kinds:   out,
		SavedAt: time.Now().UnixMilli(),
	})
}

func writeFileAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func sanitizeName(name string) string {
	b := []byte(name)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// changesByKind groups changes per kind, kinds in name order.
func changesByKind(changes []Change) ([]string, map[string][]Change) {
	groups := make(map[string][]Change)
	for _, c := range changes {
		groups[c.Kind] = append(groups[c.Kind], c)
	}
	kinds := make([]string, 0, len(groups))
	for k := range groups {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds, groups
}
