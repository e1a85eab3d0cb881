package store

import (
	"fmt"
	"sync"

	"github.com/ashureev/wabridge/internal/domain"
)

// StateFile keeps the global userID -> snapshot map and mirrors it to a
// single JSON file. Every mutation rewrites the file wholesale; persistence
// is best-effort and callers are expected to log and carry on when a write
// fails.
type StateFile struct {
	path string

	mu     sync.Mutex
	states map[string]domain.SessionSnapshot
}

// NewStateFile loads the existing state file if present. An unreadable or
// corrupt file starts the map empty rather than failing startup.
func NewStateFile(path string) (*StateFile, error) {
	if path == "" {
		return nil, fmt.Errorf("empty state file path")
	}
	f := &StateFile{
		path:   path,
		states: make(map[string]domain.SessionSnapshot),
	}
	if _, err := ReadJSON(path, &f.states); err != nil {
		f.states = make(map[string]domain.SessionSnapshot)
		return f, fmt.Errorf("load state file: %w", err)
	}
	if f.states == nil {
		f.states = make(map[string]domain.SessionSnapshot)
	}
	return f, nil
}

// Snapshot returns the stored snapshot for a user.
func (f *StateFile) Snapshot(userID string) (domain.SessionSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.states[userID]
	return snap, ok
}

// All returns a copy of every stored snapshot.
func (f *StateFile) All() map[string]domain.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.SessionSnapshot, len(f.states))
	for id, snap := range f.states {
		out[id] = snap
	}
	return out
}

// Put stores a user's snapshot and rewrites the file.
func (f *StateFile) Put(userID string, snap domain.SessionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[userID] = snap
	return f.flushLocked()
}

// Delete removes a user's snapshot and rewrites the file.
func (f *StateFile) Delete(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[userID]; !ok {
		return nil
	}
	delete(f.states, userID)
	return f.flushLocked()
}

func (f *StateFile) flushLocked() error {
	if err := WriteJSONAtomic(f.path, f.states); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
