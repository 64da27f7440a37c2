package storage

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
)

// Memory is an in-memory Backend. The zero value is not ready for use;
// call NewMemory.
type Memory struct {
	μ    sync.Mutex
	data map[string][]byte
}

// NewMemory constructs a new empty in-memory backend.
func NewMemory() *Memory { return &Memory{data: make(map[string][]byte)} }

// Get implements a method of Backend.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.μ.Lock()
	defer m.μ.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

// Put implements a method of Backend.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.data[key] = bytes.Clone(value)
	return nil
}

// Delete implements a method of Backend.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	delete(m.data, key)
	return nil
}

// List implements a method of Backend.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.μ.Lock()
	defer m.μ.Unlock()
	return listKeys(m.data, prefix), nil
}

// Apply implements a method of Backend.
func (m *Memory) Apply(_ context.Context, ops []Op) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	applyOps(m.data, ops)
	return nil
}

// Close implements a method of Backend. It is a no-op.
func (m *Memory) Close() error { return nil }

func listKeys(data map[string][]byte, prefix string) []string {
	var keys []string
	for k := range data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func applyOps(data map[string][]byte, ops []Op) {
	for _, op := range ops {
		if op.Delete {
			delete(data, op.Key)
		} else {
			data[op.Key] = bytes.Clone(op.Value)
		}
	}
}
