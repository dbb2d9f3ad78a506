package statestore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/tracksync/internal/fsutil"
	"github.com/agentworkforce/tracksync/internal/tracksync"
	"github.com/google/uuid"
)

const defaultOutboxCapacity = 1024

type fileOutboxState struct {
	Items []tracksync.OutboxItem `json:"items"`
}

// FileOutbox is a FIFO of pending remote deltas persisted as one JSON
// document. Nothing is cached: every call re-reads the file, and mutations
// hold an advisory lock on path+".lock" so a watcher and a one-off replay
// can share the queue.
type FileOutbox struct {
	path     string
	capacity int
	mu       sync.Mutex
}

func NewFileOutbox(path string, capacity int) (*FileOutbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	q := &FileOutbox{path: path, capacity: capacity}
	items, err := q.Pending()
	if err != nil {
		return nil, err
	}
	if len(items) > capacity {
		return nil, fmt.Errorf("%w: %s holds %d items, capacity is %d", ErrQueueFull, path, len(items), capacity)
	}
	return q, nil
}

func (q *FileOutbox) Enqueue(item tracksync.OutboxItem) (tracksync.OutboxItem, error) {
	if strings.TrimSpace(item.EntityID) == "" {
		return tracksync.OutboxItem{}, ErrInvalidInput
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	err := q.mutate(func(items []tracksync.OutboxItem) ([]tracksync.OutboxItem, error) {
		if len(items) >= q.capacity {
			return nil, ErrQueueFull
		}
		return append(items, item), nil
	})
	if err != nil {
		return tracksync.OutboxItem{}, err
	}
	return item, nil
}

func (q *FileOutbox) Pending() ([]tracksync.OutboxItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

func (q *FileOutbox) Remove(id string) error {
	return q.mutate(func(items []tracksync.OutboxItem) ([]tracksync.OutboxItem, error) {
		for i, item := range items {
			if item.ID == id {
				return append(items[:i:i], items[i+1:]...), nil
			}
		}
		return nil, ErrNotFound
	})
}

func (q *FileOutbox) Depth() (int, error) {
	items, err := q.Pending()
	return len(items), err
}

// mutate runs fn over the current file contents under both locks and
// writes the result. Nothing is written when fn fails.
func (q *FileOutbox) mutate(fn func([]tracksync.OutboxItem) ([]tracksync.OutboxItem, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	unlock, err := lockFile(q.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock outbox: %w", err)
	}
	defer func() { _ = unlock() }()

	items, err := q.readLocked()
	if err != nil {
		return err
	}
	next, err := fn(items)
	if err != nil {
		return err
	}
	if next == nil {
		next = []tracksync.OutboxItem{}
	}
	return fsutil.WriteJSONAtomic(q.path, fileOutboxState{Items: next})
}

func (q *FileOutbox) readLocked() ([]tracksync.OutboxItem, error) {
	var state fileOutboxState
	if _, err := fsutil.ReadJSON(q.path, &state); err != nil {
		return nil, err
	}
	return state.Items, nil
}
