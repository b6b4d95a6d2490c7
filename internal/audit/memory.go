package audit

import (
	"context"
	"fmt"
	"sync"
)

type memoryObjects struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte)}
}

func (m *memoryObjects) put(_ context.Context, key string, payload []byte, _ map[string]string) error {
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), payload...)
	m.mu.Unlock()
	return nil
}

func (m *memoryObjects) get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), b...), nil
}
