package stores

import (
	"context"
	"time"

	"github.com/keelhq/keel/pkg/engine"
)

// Audit actions recorded by the store.
const (
	AuditActionExecutionCompleted = "execution.completed"
)

// AuditEntry represents an audit log entry for a finished execution.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  string    `json:"target_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditDetails is the JSON document stored in AuditEntry.Details.
type AuditDetails struct {
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Resources map[string]string `json:"resources"`
}

// ResourceFilter narrows resource listings. Zero values do not filter.
type ResourceFilter struct {
	Type           string
	IncludeDeleted bool
	LockedOnly     bool
	Limit          int
	Offset         int
}

// Store combines every persistence concern the engine needs with the
// lifecycle and listing operations used by the CLI.
type Store interface {
	engine.ResourceStore
	engine.StateStore
	engine.ExecutionQueue
	engine.AuditSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Listings
	ListResources(ctx context.Context, filter ResourceFilter) ([]*engine.Resource, error)
	ListAuditEntries(ctx context.Context, action, actor string, limit, offset int) ([]*AuditEntry, error)
}
