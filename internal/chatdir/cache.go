// Package chatdir caches each user's chat directory on disk so names and
// previews survive restarts and flaky directory syncs.
package chatdir

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/store"
)

// Cache persists one JSON chat-directory snapshot per user under the
// sessions root. Reads never fail the caller: a missing or corrupt snapshot
// is simply an empty directory.
type Cache struct {
	root string
}

// New returns a cache rooted at the given directory.
func New(root string) *Cache {
	return &Cache{root: root}
}

// Load returns the cached directory for a user, empty when absent.
func (c *Cache) Load(userID string) []domain.Chat {
	if err := store.ValidateUserID(userID); err != nil {
		return nil
	}
	var chats []domain.Chat
	ok, err := store.ReadJSON(c.path(userID), &chats)
	if err != nil {
		slog.Warn("Failed to load chat cache", "user_id", userID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return chats
}

// Save rewrites the user's snapshot. Best-effort: a failed write is logged
// and the in-memory directory stays authoritative.
func (c *Cache) Save(userID string, chats []domain.Chat) {
	if err := store.ValidateUserID(userID); err != nil {
		slog.Warn("Refusing to save chat cache", "user_id", userID, "error", err)
		return
	}
	if err := store.WriteJSONAtomic(c.path(userID), chats); err != nil {
		slog.Warn("Failed to save chat cache", "user_id", userID, "error", err)
	}
}

// Delete removes the user's snapshot, if any.
func (c *Cache) Delete(userID string) {
	if err := store.ValidateUserID(userID); err != nil {
		return
	}
	if err := os.Remove(c.path(userID)); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to delete chat cache", "user_id", userID, "error", err)
	}
}

func (c *Cache) path(userID string) string {
	return filepath.Join(c.root, "chats-"+userID+".json")
}
