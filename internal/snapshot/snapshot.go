// Package snapshot persists component state blobs across restarts. The
// registry and player router serialize themselves; stores only move opaque
// JSON. Snapshotting is optional: with no backend configured the orchestrator
// runs purely in memory.
package snapshot

import (
	"context"
	"errors"
)

// Component names used as storage keys.
const (
	ComponentRegistry = "registry"
	ComponentPlayers  = "players"
)

// ErrNotFound is returned by Load when no snapshot exists for the component.
var ErrNotFound = errors.New("snapshot: not found")

// Store persists and retrieves component snapshots.
type Store interface {
	Save(ctx context.Context, component string, blob []byte) error
	Load(ctx context.Context, component string) ([]byte, error)
	Close() error
}
