package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// PersistedRecord is the durable form of a cache record: the serialized value
// and the moment it was written. TTLs are not persisted because every restored
// record is treated as stale until it is revalidated.
type PersistedRecord struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Store persists cache records across process restarts
type Store interface {
	Load(ctx context.Context) ([]PersistedRecord, error)
	Save(ctx context.Context, record PersistedRecord) error
	Delete(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps records in process memory only. It is used when no
// durable backend is configured and by tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]PersistedRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]PersistedRecord)}
}

func (m *MemoryStore) Load(_ context.Context) ([]PersistedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PersistedRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, record PersistedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Key] = record
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.records, k)
	}
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]PersistedRecord)
	return nil
}
