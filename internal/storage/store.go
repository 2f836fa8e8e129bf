package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Agents() AgentStore
	Children() ChildStore
	Violations() ViolationStore
	Settings() SettingsStore
	Shutdowns() ShutdownStore
}

// AgentStore manages monitored endpoint records. Agents are never deleted;
// they may only go permanently offline.
type AgentStore interface {
	Upsert(ctx context.Context, agent Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]Agent, error)
}

// ChildStore manages quota-subject usage counters.
type ChildStore interface {
	Upsert(ctx context.Context, child Child) error
	Get(ctx context.Context, id string) (*Child, error)
	List(ctx context.Context) ([]Child, error)
}

// ViolationFilter defines criteria for querying violations.
type ViolationFilter struct {
	AgentID string
	ChildID string
	Limit   int
}

// ViolationStore manages the enforcement audit log.
type ViolationStore interface {
	Add(ctx context.Context, violation Violation) error
	List(ctx context.Context, filter ViolationFilter) ([]Violation, error)
	Clear(ctx context.Context) (int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SettingsStore holds the single runtime-mutable settings record.
type SettingsStore interface {
	Get(ctx context.Context) (*Settings, error)
	Put(ctx context.Context, settings Settings) error
}

// ShutdownStore mirrors pending scheduled shutdowns for status reporting.
type ShutdownStore interface {
	Upsert(ctx context.Context, shutdown PendingShutdown) error
	Get(ctx context.Context, agentID string) (*PendingShutdown, error)
	List(ctx context.Context) ([]PendingShutdown, error)
	Delete(ctx context.Context, agentID string) error
}
