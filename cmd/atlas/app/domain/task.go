// Package domain holds the sync engine's data model and the store contracts
// its adapters implement.
package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UserKey identifies one bot user: the email they registered with the tracker
// and the chat they talk to the bot in.
type UserKey struct {
	Email  string
	ChatID int64
}

// String returns the canonical form used as a store key.
func (k UserKey) String() string {
	return fmt.Sprintf("%s#%d", strings.ToLower(k.Email), k.ChatID)
}

// TaskCacheEntry is one cached task row from the user's last successful sync.
type TaskCacheEntry struct {
	TaskID     string    `json:"task_id"`
	ProjectID  string    `json:"project_id"`
	Title      string    `json:"title"`
	StateGroup string    `json:"state_group"`
	Priority   string    `json:"priority"`
	URL        string    `json:"url"`
	SyncedAt   time.Time `json:"synced_at"`
}

// TaskCacheStore holds the most recent successfully-synced task list per
// user. Replace swaps a user's snapshot wholesale: readers see either the
// previous complete snapshot or the new one, never a mix.
type TaskCacheStore interface {
	Tasks(ctx context.Context, key UserKey, limit int) ([]TaskCacheEntry, error)
	Replace(ctx context.Context, key UserKey, tasks []TaskCacheEntry) error
}
