package statestore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tracksync/internal/fsutil"
	"github.com/agentworkforce/tracksync/internal/tracksync"
	"github.com/google/uuid"
)

type fileDeferralState struct {
	Deferrals []tracksync.Deferral `json:"deferrals"`
}

// FileDeferralLog is the durable audit log of conflicts parked for manual
// review. A new deferral for an entity replaces the previous one.
type FileDeferralLog struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

func NewFileDeferralLog(path string) (*FileDeferralLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileDeferralLog{path: path, now: time.Now}, nil
}

func (l *FileDeferralLog) Defer(report tracksync.ConflictReport) (string, error) {
	if strings.TrimSpace(report.EntityID) == "" {
		return "", fmt.Errorf("%w: deferral needs an entity id", ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.readLocked()
	if err != nil {
		return "", err
	}
	d := tracksync.Deferral{
		ID:         uuid.NewString(),
		EntityID:   report.EntityID,
		Report:     report,
		DeferredAt: l.now().UTC(),
	}
	kept := state.Deferrals[:0]
	for _, existing := range state.Deferrals {
		if existing.EntityID != report.EntityID {
			kept = append(kept, existing)
		}
	}
	state.Deferrals = append(kept, d)
	if err := fsutil.WriteJSONAtomic(l.path, state); err != nil {
		return "", fmt.Errorf("write deferral log: %w", err)
	}
	return d.ID, nil
}

func (l *FileDeferralLog) Pending(entityID string) (tracksync.Deferral, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.readLocked()
	if err != nil {
		return tracksync.Deferral{}, false, err
	}
	for _, d := range state.Deferrals {
		if d.EntityID == entityID {
			return d, true, nil
		}
	}
	return tracksync.Deferral{}, false, nil
}

func (l *FileDeferralLog) Clear(entityID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.readLocked()
	if err != nil {
		return err
	}
	kept := make([]tracksync.Deferral, 0, len(state.Deferrals))
	for _, d := range state.Deferrals {
		if d.EntityID != entityID {
			kept = append(kept, d)
		}
	}
	if len(kept) == len(state.Deferrals) {
		return nil
	}
	state.Deferrals = kept
	return fsutil.WriteJSONAtomic(l.path, state)
}

func (l *FileDeferralLog) List() ([]tracksync.Deferral, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.readLocked()
	if err != nil {
		return nil, err
	}
	sortDeferrals(state.Deferrals)
	return state.Deferrals, nil
}

func (l *FileDeferralLog) readLocked() (fileDeferralState, error) {
	var state fileDeferralState
	if _, err := fsutil.ReadJSON(l.path, &state); err != nil {
		return fileDeferralState{}, err
	}
	return state, nil
}
