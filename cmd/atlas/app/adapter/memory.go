package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/opsdevs/project-atlas/cmd/atlas/app/domain"
)

// MemoryStatusStore is an in-memory SyncStatusStore. It backs tests and the
// no-database deployment mode.
type MemoryStatusStore struct {
	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	statuses map[string]domain.SyncStatus
}

func NewMemoryStatusStore(staleAfter time.Duration) *MemoryStatusStore {
	return NewMemoryStatusStoreWithClock(staleAfter, time.Now)
}

func NewMemoryStatusStoreWithClock(staleAfter time.Duration, now func() time.Time) *MemoryStatusStore {
	return &MemoryStatusStore{
		staleAfter: staleAfter,
		now:        now,
		statuses:   make(map[string]domain.SyncStatus),
	}
}

func (s *MemoryStatusStore) Status(ctx context.Context, key domain.UserKey) (domain.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.statuses[key.String()]
	if !ok {
		return domain.SyncStatus{UserKey: key}, nil
	}
	s.normalize(&st)
	s.statuses[key.String()] = st
	return st, nil
}

func (s *MemoryStatusStore) Begin(ctx context.Context, key domain.UserKey, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[key.String()]
	st.UserKey = key
	s.normalize(&st)
	if st.InProgress {
		return false, nil
	}
	st.InProgress = true
	st.LastStartedAt = startedAt
	s.statuses[key.String()] = st
	return true, nil
}

func (s *MemoryStatusStore) Finish(ctx context.Context, key domain.UserKey, outcome domain.SyncOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[key.String()]
	st.UserKey = key
	st.InProgress = false
	st.LastCompletedAt = outcome.CompletedAt
	st.LastError = outcome.Error
	if outcome.Error == "" {
		st.TotalTasks = outcome.TotalTasks
	}
	s.statuses[key.String()] = st
	return nil
}

// normalize resets an in-progress flag left behind by a crashed process.
func (s *MemoryStatusStore) normalize(st *domain.SyncStatus) {
	if st.InProgress && s.now().Sub(st.LastStartedAt) > s.staleAfter {
		st.InProgress = false
		st.LastError = domain.ErrSyncInterrupted
	}
}

// MemoryTaskStore is an in-memory TaskCacheStore. Snapshots are swapped
// wholesale under the lock, so readers never observe a partial write.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string][]domain.TaskCacheEntry
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string][]domain.TaskCacheEntry),
	}
}

func (s *MemoryTaskStore) Tasks(ctx context.Context, key domain.UserKey, limit int) ([]domain.TaskCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.tasks[key.String()]
	if limit > 0 && len(snapshot) > limit {
		snapshot = snapshot[:limit]
	}
	out := make([]domain.TaskCacheEntry, len(snapshot))
	copy(out, snapshot)
	return out, nil
}

func (s *MemoryTaskStore) Replace(ctx context.Context, key domain.UserKey, tasks []domain.TaskCacheEntry) error {
	snapshot := make([]domain.TaskCacheEntry, len(tasks))
	copy(snapshot, tasks)

	s.mu.Lock()
	s.tasks[key.String()] = snapshot
	s.mu.Unlock()
	return nil
}
