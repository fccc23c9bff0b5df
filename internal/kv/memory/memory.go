// Package memory is an in-process kv.Backend. It honours the same commit
// contract as the networked backends and is what tests run against.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gosuda/sessionkv/internal/kv"
)

var errClosed = errors.New("memory: backend closed")

type record struct {
	value   []byte
	version uint64
}

// Backend keeps every key in a map guarded by a single mutex.
type Backend struct {
	mu      sync.RWMutex
	data    map[string]record
	version uint64
	closed  bool
}

var _ kv.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{data: make(map[string]record)}
}

func (b *Backend) Get(_ context.Context, key kv.Key) (kv.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return kv.Entry{}, fmt.Errorf("memory.Get: %w", errClosed)
	}
	return b.entry(key), nil
}

func (b *Backend) GetMany(_ context.Context, keys ...kv.Key) ([]kv.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("memory.GetMany: %w", errClosed)
	}
	entries := make([]kv.Entry, len(keys))
	for i, key := range keys {
		entries[i] = b.entry(key)
	}
	return entries, nil
}

func (b *Backend) Commit(_ context.Context, a *kv.Atomic) (kv.Versionstamp, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", fmt.Errorf("memory.Commit: %w", errClosed)
	}

	for _, c := range a.Checks {
		if b.entry(c.Key).Versionstamp != c.Versionstamp {
			return "", kv.ErrCheckFailed
		}
	}

	b.version++
	for _, m := range a.Mutations {
		switch m.Kind {
		case kv.MutationSet:
			value := make([]byte, len(m.Value))
			copy(value, m.Value)
			b.data[m.Key.String()] = record{value: value, version: b.version}
		case kv.MutationDelete:
			delete(b.data, m.Key.String())
		default:
			return "", fmt.Errorf("memory.Commit: unknown mutation %s", m.Kind)
		}
	}

	return stamp(b.version), nil
}

func (b *Backend) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("memory.Ping: %w", errClosed)
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.data = nil
	return nil
}

// Len returns the number of stored keys.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// entry must be called with mu held.
func (b *Backend) entry(key kv.Key) kv.Entry {
	rec, ok := b.data[key.String()]
	if !ok {
		return kv.Entry{Key: key}
	}
	value := make([]byte, len(rec.value))
	copy(value, rec.value)
	return kv.Entry{Key: key, Value: value, Versionstamp: stamp(rec.version)}
}

func stamp(v uint64) kv.Versionstamp {
	return kv.Versionstamp(fmt.Sprintf("%020d", v))
}
