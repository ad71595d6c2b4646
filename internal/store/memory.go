package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/prdpilot/internal/domain"
)

// MemoryStore is a Repository kept entirely in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]string
	snapshots map[string][]byte
	updated   map[string]time.Time
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		items:     make(map[string]string),
		snapshots: make(map[string][]byte),
		updated:   make(map[string]time.Time),
	}
}

var _ Repository = (*MemoryStore)(nil)

func (m *MemoryStore) GetItem(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStore) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, chatID string) (*domain.ConversationSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.snapshots[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	var snap domain.ConversationSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", chatID, err)
	}
	snap.UpdatedAt = m.updated[chatID]
	return &snap, nil
}

func (m *MemoryStore) UpsertSnapshot(_ context.Context, snap *domain.ConversationSnapshot) error {
	if snap == nil || snap.ChatID == "" {
		return fmt.Errorf("upsert snapshot: chat id is required")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ChatID] = raw
	m.updated[snap.ChatID] = time.Now()
	return nil
}

func (m *MemoryStore) DeleteSnapshot(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, chatID)
	delete(m.updated, chatID)
	return nil
}

func (m *MemoryStore) CleanupExpiredSnapshots(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := time.Now().Add(-ttl)
	var n int64
	for id, at := range m.updated {
		if at.Before(threshold) {
			delete(m.snapshots, id)
			delete(m.updated, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
