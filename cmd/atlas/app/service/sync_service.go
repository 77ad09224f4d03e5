package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsdevs/project-atlas/cmd/atlas/app/domain"
	"github.com/opsdevs/project-atlas/pkg/cache"
	"github.com/opsdevs/project-atlas/pkg/tracker"
)

const (
	defaultProjectTTL   = 4 * time.Hour
	defaultMetadataTTL  = time.Hour
	defaultSyncDeadline = 10 * time.Minute

	projectsCacheKey = "projects"
)

// Canonical terminal reasons recorded in SyncStatus.LastError.
const (
	reasonAuth         = "authentication error"
	reasonUserNotFound = "user not found"
	reasonNetwork      = "network error"
	reasonInternal     = "internal error"
)

// TrackerAPI is the slice of the tracker client the sync engine uses.
type TrackerAPI interface {
	ListProjects(ctx context.Context) ([]tracker.Project, error)
	ListMembers(ctx context.Context, projectID string) ([]tracker.Member, error)
	ListStates(ctx context.Context, projectID string) ([]tracker.State, error)
	ListIssues(ctx context.Context, projectID, memberID string) ([]tracker.Issue, error)
	ResolveUser(ctx context.Context, email string, projects []tracker.Project, src tracker.MembersSource) (map[string]string, error)
}

// Config tunes the sync engine. Zero values fall back to the defaults above.
type Config struct {
	// ProjectTTL is the long cache tier, for the workspace project list.
	ProjectTTL time.Duration
	// MetadataTTL is the medium cache tier, for per-project members and
	// workflow states.
	MetadataTTL time.Duration
	// SyncDeadline bounds one whole background sync.
	SyncDeadline time.Duration
}

// SyncService pulls a user's assigned tasks from the tracker across all
// accessible projects and maintains the per-user task cache and sync status.
// At most one sync runs per user key at a time; project and metadata reads go
// through the tiered TTL caches so repeated syncs stay cheap.
type SyncService struct {
	api      TrackerAPI
	statuses domain.SyncStatusStore
	tasks    domain.TaskCacheStore
	notifier domain.Notifier
	archiver domain.ReportArchiver // optional

	projects *cache.Cache[[]tracker.Project]
	members  *cache.Cache[[]tracker.Member]
	states   *cache.Cache[[]tracker.State]

	deadline time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewSyncService creates a sync service. archiver may be nil.
func NewSyncService(cfg Config, api TrackerAPI, statuses domain.SyncStatusStore, tasks domain.TaskCacheStore, notifier domain.Notifier, archiver domain.ReportArchiver) *SyncService {
	if cfg.ProjectTTL <= 0 {
		cfg.ProjectTTL = defaultProjectTTL
	}
	if cfg.MetadataTTL <= 0 {
		cfg.MetadataTTL = defaultMetadataTTL
	}
	if cfg.SyncDeadline <= 0 {
		cfg.SyncDeadline = defaultSyncDeadline
	}
	return &SyncService{
		api:      api,
		statuses: statuses,
		tasks:    tasks,
		notifier: notifier,
		archiver: archiver,
		projects: cache.New[[]tracker.Project](cfg.ProjectTTL),
		members:  cache.New[[]tracker.Member](cfg.MetadataTTL),
		states:   cache.New[[]tracker.State](cfg.MetadataTTL),
		deadline: cfg.SyncDeadline,
		now:      time.Now,
	}
}

// CachedTasks returns the user's last successfully-synced task list. It never
// triggers a sync.
func (s *SyncService) CachedTasks(ctx context.Context, key domain.UserKey, maxCount int) ([]domain.TaskCacheEntry, error) {
	return s.tasks.Tasks(ctx, key, maxCount)
}

// Status returns the user's sync lifecycle record.
func (s *SyncService) Status(ctx context.Context, key domain.UserKey) (domain.SyncStatus, error) {
	return s.statuses.Status(ctx, key)
}

// RequestSync starts a background sync for the user unless one is already in
// flight. It returns true when the sync was accepted; false means a sync is
// running and no new work was spawned. The caller is not blocked by the sync
// itself.
func (s *SyncService) RequestSync(ctx context.Context, key domain.UserKey) (bool, error) {
	startedAt := s.now()
	accepted, err := s.statuses.Begin(ctx, key, startedAt)
	if err != nil {
		return false, fmt.Errorf("request sync: %w", err)
	}
	if !accepted {
		slog.Info("sync already in progress, request ignored",
			slog.String("user", key.String()))
		return false, nil
	}

	runID := uuid.NewString()
	slog.Info("sync accepted",
		slog.String("user", key.String()),
		slog.String("run_id", runID))
	s.notify(ctx, key, "Syncing your tasks from the tracker. I'll message you when it's done.")

	s.wg.Add(1)
	go s.runSync(key, runID, startedAt)
	return true, nil
}

// Wait blocks until every in-flight sync has finished. Used at shutdown and
// by tests.
func (s *SyncService) Wait() {
	s.wg.Wait()
}

// runSync is the background sync body. It always records a terminal status,
// even on panic, so the in-progress flag is never left behind.
func (s *SyncService) runSync(key domain.UserKey, runID string, startedAt time.Time) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.deadline)
	defer cancel()

	report := domain.SyncReport{
		RunID:     runID,
		UserKey:   key.String(),
		StartedAt: startedAt,
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync panicked",
				slog.String("user", key.String()),
				slog.String("run_id", runID),
				slog.Any("panic", r))
			report.FinishedAt = s.now()
			report.Error = reasonInternal
			s.finish(key, domain.SyncOutcome{CompletedAt: report.FinishedAt, Error: reasonInternal})
			s.notify(context.Background(), key, "Sync failed: internal error, try again later.")
			s.archive(report)
		}
	}()

	result, err := s.doSync(ctx, key)
	report.FinishedAt = s.now()
	report.ProjectsScanned = result.scanned
	report.ProjectsSkipped = result.skipped
	report.TasksFound = len(result.tasks)

	if err != nil {
		reason, message := terminalReason(err)
		slog.Warn("sync failed",
			slog.String("user", key.String()),
			slog.String("run_id", runID),
			slog.String("reason", reason),
			slog.Any("error", err))
		report.Error = reason
		s.finish(key, domain.SyncOutcome{CompletedAt: report.FinishedAt, Error: reason})
		s.notify(context.Background(), key, message)
		s.archive(report)
		return
	}

	// The previous snapshot is only replaced on success, so a failed sync
	// never clobbers the last good task list. A fresh context is used: the
	// write must land even when the sync deadline has just expired.
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()
	if err := s.tasks.Replace(writeCtx, key, result.tasks); err != nil {
		slog.Error("failed to store task snapshot",
			slog.String("user", key.String()),
			slog.Any("error", err))
		report.Error = reasonInternal
		s.finish(key, domain.SyncOutcome{CompletedAt: s.now(), Error: reasonInternal})
		s.notify(context.Background(), key, "Sync failed: internal error, try again later.")
		s.archive(report)
		return
	}

	s.finish(key, domain.SyncOutcome{CompletedAt: report.FinishedAt, TotalTasks: len(result.tasks)})

	message := fmt.Sprintf("Sync completed: %d tasks found.", len(result.tasks))
	if result.skipped > 0 {
		message = fmt.Sprintf("Sync completed: %d tasks found, %d %s skipped.",
			len(result.tasks), result.skipped, pluralProjects(result.skipped))
	}
	s.notify(context.Background(), key, message)
	s.archive(report)

	slog.Info("sync completed",
		slog.String("user", key.String()),
		slog.String("run_id", runID),
		slog.Int("tasks", len(result.tasks)),
		slog.Int("projects_scanned", result.scanned),
		slog.Int("projects_skipped", result.skipped),
		slog.Duration("duration", report.FinishedAt.Sub(startedAt)))
}

type syncResult struct {
	tasks   []domain.TaskCacheEntry
	scanned int
	skipped int
}

// doSync gathers the user's active tasks across all projects. A single
// project's fetch failure skips that project; auth failures and
// identity-not-found abort the whole sync.
func (s *SyncService) doSync(ctx context.Context, key domain.UserKey) (syncResult, error) {
	var result syncResult

	projects, err := s.projects.GetOrFetch(ctx, projectsCacheKey, s.api.ListProjects)
	if err != nil {
		return result, fmt.Errorf("fetch projects: %w", err)
	}
	slog.Info("fetched project list", slog.Int("count", len(projects)))

	resolved, err := s.api.ResolveUser(ctx, key.Email, projects, s.cachedMembers)
	if err != nil {
		return result, fmt.Errorf("resolve user: %w", err)
	}

	syncedAt := s.now()
	for _, project := range projects {
		memberID, ok := resolved[project.ID]
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			// Deadline hit: abandon the remaining projects. What was
			// gathered so far still counts if anything completed.
			result.skipped++
			continue
		}

		tasks, err := s.syncProject(ctx, project, memberID, syncedAt)
		if err != nil {
			if tracker.IsAuthError(err) {
				return result, err
			}
			slog.Warn("skipping project",
				slog.String("project", project.ID),
				slog.Any("error", err))
			result.skipped++
			continue
		}
		result.tasks = append(result.tasks, tasks...)
		result.scanned++
	}

	if result.scanned == 0 && result.skipped > 0 {
		// Every membership project failed; nothing was gathered.
		return result, &tracker.TransientNetworkError{Attempts: result.skipped, Err: errAllProjectsFailed}
	}
	return result, nil
}

// syncProject fetches one project's workflow states and the user's issues in
// it, and returns the still-active ones as cache entries.
func (s *SyncService) syncProject(ctx context.Context, project tracker.Project, memberID string, syncedAt time.Time) ([]domain.TaskCacheEntry, error) {
	states, err := s.states.GetOrFetch(ctx, project.ID, func(ctx context.Context) ([]tracker.State, error) {
		return s.api.ListStates(ctx, project.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}
	groups := make(map[string]tracker.StateGroup, len(states))
	for _, st := range states {
		groups[st.ID] = st.Group
	}

	issues, err := s.api.ListIssues(ctx, project.ID, memberID)
	if err != nil {
		return nil, fmt.Errorf("fetch issues: %w", err)
	}

	var tasks []domain.TaskCacheEntry
	for _, issue := range issues {
		group := groups[issue.StateID]
		if group.Closed() {
			continue
		}
		tasks = append(tasks, domain.TaskCacheEntry{
			TaskID:     issue.ID,
			ProjectID:  project.ID,
			Title:      issue.Title,
			StateGroup: string(group),
			Priority:   issue.Priority,
			URL:        issue.URL,
			SyncedAt:   syncedAt,
		})
	}
	return tasks, nil
}

// cachedMembers routes membership reads through the medium cache tier.
func (s *SyncService) cachedMembers(ctx context.Context, projectID string) ([]tracker.Member, error) {
	return s.members.GetOrFetch(ctx, projectID, func(ctx context.Context) ([]tracker.Member, error) {
		return s.api.ListMembers(ctx, projectID)
	})
}

// finish records a terminal status with its own short context so the write
// succeeds even after the sync deadline expired.
func (s *SyncService) finish(key domain.UserKey, outcome domain.SyncOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.statuses.Finish(ctx, key, outcome); err != nil {
		slog.Error("failed to record sync outcome",
			slog.String("user", key.String()),
			slog.Any("error", err))
	}
}

func (s *SyncService) notify(ctx context.Context, key domain.UserKey, text string) {
	if err := s.notifier.Notify(ctx, key, text); err != nil {
		slog.Warn("failed to notify user",
			slog.String("user", key.String()),
			slog.Any("error", err))
	}
}

func (s *SyncService) archive(report domain.SyncReport) {
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.archiver.ArchiveSyncReport(ctx, report); err != nil {
		slog.Warn("failed to archive sync report",
			slog.String("run_id", report.RunID),
			slog.Any("error", err))
	}
}

func terminalReason(err error) (reason, message string) {
	switch {
	case tracker.IsAuthError(err):
		return reasonAuth, "Sync failed: authentication error, contact admin."
	case errors.Is(err, tracker.ErrUserNotFound):
		return reasonUserNotFound, "Sync failed: could not find your account in the tracker."
	default:
		return reasonNetwork, "Sync failed: network error, try again later."
	}
}

func pluralProjects(n int) string {
	if n == 1 {
		return "project"
	}
	return "projects"
}

var errAllProjectsFailed = errors.New("all projects failed")
