package statestore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/tracksync/internal/fsutil"
	"github.com/agentworkforce/tracksync/internal/tracksync"
)

// FileSnapshotStore writes one JSON document per entity under dir. Saves go
// through write-temp-then-rename.
type FileSnapshotStore struct {
	dir string
}

func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (s *FileSnapshotStore) path(entityID string) (string, error) {
	if strings.TrimSpace(entityID) == "" {
		return "", ErrInvalidInput
	}
	return filepath.Join(s.dir, url.PathEscape(entityID)+".json"), nil
}

func (s *FileSnapshotStore) Load(entityID string) (*tracksync.SyncSnapshot, error) {
	path, err := s.path(entityID)
	if err != nil {
		return nil, err
	}
	var snap tracksync.SyncSnapshot
	found, err := fsutil.ReadJSON(path, &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (s *FileSnapshotStore) Save(entityID string, snapshot tracksync.SyncSnapshot) error {
	path, err := s.path(entityID)
	if err != nil {
		return err
	}
	return fsutil.WriteJSONAtomic(path, snapshot)
}
