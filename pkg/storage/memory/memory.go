// Package memory is an in-process blob store for tests and local runs
// without an object store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type object struct {
	data        []byte
	contentType string
}

type Memory struct {
	mu      sync.RWMutex
	objects map[string]object
}

func New() *Memory {
	return &Memory{objects: make(map[string]object)}
}

func (m *Memory) EnsureBucket(ctx context.Context) error {
	return nil
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = object{data: buf, contentType: contentType}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s?expires=%d", key, int64(expiry.Seconds())), nil
}
