package tracksync

import (
	"context"
	"time"

	"github.com/agentworkforce/tracksync/internal/resilience"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Ack is the remote's acknowledgement of an apply.
type Ack struct {
	EntityID      string `json:"entityId"`
	Revision      string `json:"revision,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// RemoteClient is the remote tracker. Each method performs exactly one
// attempt; retries and breaking happen in the invocation layer.
type RemoteClient interface {
	Fetch(ctx context.Context, entityID string) (RemoteFields, error)
	Apply(ctx context.Context, entityID string, updates RemoteFields) (Ack, error)
	// ListTransitions returns the remote status names reachable from the
	// entity's current status.
	ListTransitions(ctx context.Context, entityID string) ([]string, error)
}

// Invoker runs remote operations with retry, breaking and fallback.
type Invoker interface {
	Call(ctx context.Context, key string, primary, fallback resilience.Func) (resilience.Outcome, error)
	Status(key string) (resilience.CircuitBreakerState, error)
}

// Deferral is a conflict report parked for manual review.
type Deferral struct {
	ID         string         `json:"id"`
	EntityID   string         `json:"entityId"`
	Report     ConflictReport `json:"report"`
	DeferredAt time.Time      `json:"deferredAt"`
}

// DeferralLog is the durable audit log of manual deferrals, at most one
// pending entry per entity.
type DeferralLog interface {
	DeferralSink
	Pending(entityID string) (Deferral, bool, error)
	Clear(entityID string) error
	List() ([]Deferral, error)
}

// OutboxItem is a remote delta waiting for the remote to come back.
type OutboxItem struct {
	ID           string       `json:"id"`
	EntityID     string       `json:"entityId"`
	Kind         Kind         `json:"kind,omitempty"`
	OperationKey string       `json:"operationKey"`
	Updates      RemoteFields `json:"updates"`
	// Base holds the remote values of the updated fields as fetched when
	// the delta was computed.
	Base       RemoteFields `json:"base,omitempty"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

// Outbox is a durable FIFO of remote deltas.
type Outbox interface {
	Enqueue(item OutboxItem) (OutboxItem, error)
	Pending() ([]OutboxItem, error)
	Remove(id string) error
}

// EventSink receives every sync result.
type EventSink interface {
	Publish(result SyncResult)
}

const (
	OpFetch       = "fetch"
	OpUpdate      = "update"
	OpTransitions = "transitions"
)

// OperationKey names the breaker for one logical remote operation, for
// example "update-epic".
func OperationKey(op string, kind Kind) string {
	if kind == "" {
		kind = KindTask
	}
	return op + "-" + string(kind)
}
