package tracksync

import "time"

// SyncSnapshot is the last state both sides agreed on. Stores must replace
// it atomically; a reader never observes a partially written snapshot.
type SyncSnapshot struct {
	EntityID        string          `json:"entityId"`
	LastLocalState  CanonicalRecord `json:"lastLocalState"`
	LastRemoteState CanonicalRecord `json:"lastRemoteState"`
	SyncedAt        time.Time       `json:"syncedAt"`
}

// SnapshotStore persists one snapshot per entity. Load returns nil, nil
// when no snapshot exists yet.
type SnapshotStore interface {
	Load(entityID string) (*SyncSnapshot, error)
	Save(entityID string, snapshot SyncSnapshot) error
}
