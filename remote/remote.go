// Package remote defines the contract to the remote data service. The cache
// and sync layers depend only on these interfaces; the HTTP and websocket
// implementations live in subpackages.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// MutationType is the kind of write carried by a Mutation.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// Mutation is a write replayed against the remote service.
type Mutation struct {
	Type  MutationType    `json:"type"`
	Table string          `json:"table"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Filter narrows List and SubscribeChanges results.
type Filter map[string]string

// Meta is the lightweight metadata the coordinator fingerprints to detect
// remote drift without downloading full payloads.
type Meta struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Size         int64     `json:"size,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// EventType classifies a realtime change event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is a realtime notification of a server-side change.
type ChangeEvent struct {
	Type  EventType       `json:"event_type"`
	Table string          `json:"table"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// Service is the remote data service contract.
type Service interface {
	// Fetch returns a single record.
	Fetch(ctx context.Context, entityType, id string) (json.RawMessage, error)

	// List returns records matching the filter.
	List(ctx context.Context, entityType string, filter Filter) ([]json.RawMessage, error)

	// Mutate applies a write. A diverged server state returns a
	// *ConflictError carrying the server's copy.
	Mutate(ctx context.Context, op Mutation) (json.RawMessage, error)

	// Stat returns the metadata used for version fingerprinting.
	Stat(ctx context.Context, entityType, id string) (Meta, error)

	// SubscribeChanges delivers change events for a table until ctx is
	// cancelled.
	SubscribeChanges(ctx context.Context, table string, filter Filter) (<-chan ChangeEvent, error)
}
