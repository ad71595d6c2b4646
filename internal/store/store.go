// Package store provides persistent client-side storage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/prdpilot/internal/domain"
)

// ErrNotFound is returned when a requested key or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists local client state: browser-style key/value items
// (credentials, broadcast keys) and per-conversation snapshots.
type Repository interface {
	// GetItem returns the value stored under key, or ErrNotFound.
	GetItem(ctx context.Context, key string) (string, error)

	// SetItem stores value under key, replacing any previous value.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error

	// GetSnapshot returns the stored snapshot for chatID, or ErrNotFound.
	GetSnapshot(ctx context.Context, chatID string) (*domain.ConversationSnapshot, error)

	// UpsertSnapshot creates or replaces the snapshot for snap.ChatID.
	UpsertSnapshot(ctx context.Context, snap *domain.ConversationSnapshot) error

	// DeleteSnapshot removes the snapshot for chatID.
	DeleteSnapshot(ctx context.Context, chatID string) error

	// CleanupExpiredSnapshots removes snapshots not updated within ttl.
	CleanupExpiredSnapshots(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}
