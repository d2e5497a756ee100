package objstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. It backs tests and CLI dry runs.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, bucket, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), body...)
	m.puts++
	return nil
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// List returns keys under prefix in lexical order, like S3.
func (m *Memory) List(_ context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for full := range m.objects {
		b, key, _ := strings.Cut(full, "/")
		if b == bucket && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Puts reports how many Put calls the store has served.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Overlay reads through to a base store and keeps every write in memory.
// Dry runs use it so hosted samples never reach the real bucket.
type Overlay struct {
	*Memory
	base Store
}

var _ Store = (*Overlay)(nil)

// NewOverlay wraps base.
func NewOverlay(base Store) *Overlay {
	return &Overlay{Memory: NewMemory(), base: base}
}

func (o *Overlay) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := o.Memory.Get(ctx, bucket, key)
	if errors.Is(err, ErrNotFound) {
		return o.base.Get(ctx, bucket, key)
	}
	return data, err
}

// List merges keys from both layers.
func (o *Overlay) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	keys, err := o.base.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	local, _ := o.Memory.List(ctx, bucket, prefix)
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, k := range local {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
