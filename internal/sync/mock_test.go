package sync

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/njoerd114/bookingsync/internal/model"
	"github.com/njoerd114/bookingsync/internal/store"
)

// --- Mock local collection ---------------------------------------------------

type mockLocal[T model.Entity] struct {
	mu         sync.Mutex
	items      map[string]T
	tombstones []model.Tombstone
	batches    []int
	readErr    error
	upsertErr  error
	// reject lists ids UpsertBatch skips, like orphaned appointments.
	reject map[string]bool
}

func newMockLocal[T model.Entity](items ...T) *mockLocal[T] {
	m := &mockLocal[T]{items: make(map[string]T)}
	for _, it := range items {
		m.items[it.EntityID()] = it
	}
	return m
}

func (m *mockLocal[T]) All(_ context.Context) ([]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return sortedValues(m.items), nil
}

func (m *mockLocal[T]) UpsertBatch(_ context.Context, vs []T) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.batches = append(m.batches, len(vs))
	var skipped []string
	for _, v := range vs {
		if m.reject[v.EntityID()] {
			skipped = append(skipped, v.EntityID())
			continue
		}
		m.items[v.EntityID()] = v
	}
	return skipped, nil
}

func (m *mockLocal[T]) Tombstones(_ context.Context) ([]model.Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Tombstone(nil), m.tombstones...), nil
}

func (m *mockLocal[T]) snapshot() map[string]T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]T, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}

// --- Mock remote table -------------------------------------------------------

type mockRemote[T model.Entity] struct {
	mu       sync.Mutex
	items    map[string]T
	batches  []int
	deleted  []string
	fetchErr error
	syncErr  error
	subErr   error
	notes    chan model.Notification
	// fetches counts FetchAll calls.
	fetches int
}

func newMockRemote[T model.Entity](items ...T) *mockRemote[T] {
	m := &mockRemote[T]{
		items: make(map[string]T),
		notes: make(chan model.Notification, 16),
	}
	for _, it := range items {
		m.items[it.EntityID()] = it
	}
	return m
}

func (m *mockRemote[T]) FetchAll(_ context.Context) ([]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return sortedValues(m.items), nil
}

func (m *mockRemote[T]) SyncUp(_ context.Context, vs []T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncErr != nil {
		return m.syncErr
	}
	m.batches = append(m.batches, len(vs))
	for _, v := range vs {
		m.items[v.EntityID()] = v
	}
	return nil
}

func (m *mockRemote[T]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	delete(m.items, id)
	return nil
}

// Subscribe hands out the notes channel, closing it when ctx ends.
func (m *mockRemote[T]) Subscribe(ctx context.Context) (<-chan model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return nil, m.subErr
	}
	out := make(chan model.Notification)
	in := m.notes
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-in:
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *mockRemote[T]) set(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[v.EntityID()] = v
}

func (m *mockRemote[T]) setFetchErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

func (m *mockRemote[T]) notify(typ model.EntityType) {
	m.notes <- model.Notification{Type: typ, Event: "UPDATE"}
}

func (m *mockRemote[T]) snapshot() map[string]T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]T, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}

func sortedValues[T model.Entity](m map[string]T) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

var errDiskFull = errors.Join(store.ErrLocalStore, errors.New("disk I/O error"))
