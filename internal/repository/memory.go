package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// MemoryRepository is an in-process domain.Repository.
// It backs unit tests and single-node demos where durability is not required.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.Record
	closed  bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*domain.Record),
	}
}

// Get retrieves a record by key.
func (m *MemoryRepository) Get(ctx context.Context, key string) (*domain.Record, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", domain.ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyRecord(rec), nil
}

// Put writes a record with optimistic concurrency control.
func (m *MemoryRepository) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: key is required", domain.ErrInvalidInput)
	}
	if expectedVersion < domain.AnyVersion {
		return 0, fmt.Errorf("%w: invalid expected version %d", domain.ErrInvalidInput, expectedVersion)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("repository is closed")
	}

	current, exists := m.records[key]
	switch {
	case expectedVersion == domain.NewRecord && exists:
		return 0, fmt.Errorf("%w: %s already exists", domain.ErrConcurrentModification, key)
	case expectedVersion > 0 && !exists:
		return 0, domain.ErrNotFound
	case expectedVersion > 0 && current.Version != expectedVersion:
		return 0, fmt.Errorf("%w: %s", domain.ErrConcurrentModification, key)
	}

	version := int64(1)
	if exists {
		version = current.Version + 1
	}

	m.records[key] = &domain.Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   version,
		UpdatedAt: time.Now().UTC(),
	}
	return version, nil
}

// Delete removes a record, honouring expectedVersion unless it is AnyVersion.
func (m *MemoryRepository) Delete(ctx context.Context, key string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.records[key]
	if !exists {
		return domain.ErrNotFound
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return fmt.Errorf("%w: %s", domain.ErrConcurrentModification, key)
	}
	delete(m.records, key)
	return nil
}

// List returns all records under a key prefix, ordered by key.
func (m *MemoryRepository) List(ctx context.Context, prefix string) ([]*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*domain.Record
	for key, rec := range m.records {
		if strings.HasPrefix(key, prefix) {
			records = append(records, copyRecord(rec))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// Ping always succeeds while the repository is open.
func (m *MemoryRepository) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("repository is closed")
	}
	return nil
}

// Close drops all records.
func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = make(map[string]*domain.Record)
	return nil
}

// Len returns the number of stored records.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func copyRecord(rec *domain.Record) *domain.Record {
	c := *rec
	c.Value = append([]byte(nil), rec.Value...)
	return &c
}
