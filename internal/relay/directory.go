package relay

import (
	"context"
	"sort"
	"sync"

	"classlock/internal/protocol"
)

// Directory is the table of registered controller sessions, keyed by the
// controller's relay connection id. Class names are unique within it.
type Directory interface {
	// Register adds e, or fails with ErrDuplicateLabel when another entry
	// already uses e.ClassName.
	Register(ctx context.Context, e protocol.DirectoryEntry) error
	Remove(ctx context.Context, controllerID string) error
	Get(ctx context.Context, controllerID string) (protocol.DirectoryEntry, error)
	List(ctx context.Context) ([]protocol.DirectoryEntry, error)
}

type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]protocol.DirectoryEntry
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]protocol.DirectoryEntry)}
}

func (d *MemoryDirectory) Register(_ context.Context, e protocol.DirectoryEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, existing := range d.entries {
		if id != e.SocketID && existing.ClassName == e.ClassName {
			return ErrDuplicateLabel
		}
	}
	d.entries[e.SocketID] = e
	return nil
}

func (d *MemoryDirectory) Remove(_ context.Context, controllerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, controllerID)
	return nil
}

func (d *MemoryDirectory) Get(_ context.Context, controllerID string) (protocol.DirectoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[controllerID]
	if !ok {
		return protocol.DirectoryEntry{}, ErrNotFound
	}
	return e, nil
}

func (d *MemoryDirectory) List(_ context.Context) ([]protocol.DirectoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]protocol.DirectoryEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(entries []protocol.DirectoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ClassName < entries[j].ClassName
	})
}
