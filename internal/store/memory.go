package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory keeps documents in a map. Used by tests.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte

	// FailWrites makes every WriteJSON return an error when set.
	FailWrites error
}

func NewMemory() *Memory {
	return &Memory{docs: map[string][]byte{}}
}

func (m *Memory) ReadJSON(_ context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	b, ok := m.docs[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func (m *Memory) WriteJSON(_ context.Context, key string, v any) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[key] = b
	m.mu.Unlock()
	return nil
}
