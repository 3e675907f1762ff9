// Package strategystore persists and validates five-section strategy
// definitions and notifies listeners of changes.
package strategystore

import (
	"context"
	"time"

	"github.com/LKrysik/quantra/internal/schema"
)

// Record is one stored strategy with persistence metadata.
type Record struct {
	ID         string
	Definition schema.Strategy
	Version    int64
	UpdatedAt  time.Time
}

// ChangeKind classifies a store mutation.
type ChangeKind string

const (
	ChangeSaved   ChangeKind = "saved"
	ChangeDeleted ChangeKind = "deleted"
	ChangeEnabled ChangeKind = "enabled"
)

// Change describes one store mutation delivered to listeners.
type Change struct {
	Kind   ChangeKind
	ID     string
	Record Record
}

// Listener receives store change notifications. Called synchronously under
// no store lock; implementations must not block for long.
type Listener func(Change)

// Store is the strategy persistence contract.
type Store interface {
	// Save validates and upserts a definition, bumping its version.
	Save(ctx context.Context, id string, def schema.Strategy) (Record, error)
	// Get returns the stored record or a not-found error.
	Get(ctx context.Context, id string) (Record, error)
	// List returns all records sorted by id.
	List(ctx context.Context) ([]Record, error)
	// Delete removes a record. Deleting an absent id is a not-found error.
	Delete(ctx context.Context, id string) error
	// SetEnabled flips the enabled flag without touching the definition body.
	SetEnabled(ctx context.Context, id string, enabled bool) (Record, error)
}

// Notifier is implemented by stores that push change notifications.
type Notifier interface {
	AddListener(l Listener)
}
