package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsdevs/project-atlas/cmd/atlas/app/adapter"
	"github.com/opsdevs/project-atlas/cmd/atlas/app/domain"
	"github.com/opsdevs/project-atlas/cmd/atlas/app/service"
	"github.com/opsdevs/project-atlas/pkg/tracker"
)

type fakeTracker struct {
	projects    []tracker.Project
	projectsErr error
	members     map[string][]tracker.Member
	states      map[string][]tracker.State
	statesPanic bool
	issues      map[string][]tracker.Issue
	issuesErr   map[string]error
	issuesGate  chan struct{}   // when non-nil, ListIssues blocks until closed
	issuesBlock map[string]bool // projects whose ListIssues hangs until ctx expires
}

func (f *fakeTracker) ListProjects(ctx context.Context) ([]tracker.Project, error) {
	if f.projectsErr != nil {
		return nil, f.projectsErr
	}
	return f.projects, nil
}

func (f *fakeTracker) ListMembers(ctx context.Context, projectID string) ([]tracker.Member, error) {
	return f.members[projectID], nil
}

func (f *fakeTracker) ListStates(ctx context.Context, projectID string) ([]tracker.State, error) {
	if f.statesPanic {
		panic("states exploded")
	}
	return f.states[projectID], nil
}

func (f *fakeTracker) ListIssues(ctx context.Context, projectID, memberID string) ([]tracker.Issue, error) {
	if f.issuesBlock[projectID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.issuesGate != nil {
		<-f.issuesGate
	}
	if err := f.issuesErr[projectID]; err != nil {
		return nil, err
	}
	var mine []tracker.Issue
	for _, issue := range f.issues[projectID] {
		for _, id := range issue.AssigneeIDs {
			if id == memberID {
				mine = append(mine, issue)
				break
			}
		}
	}
	return mine, nil
}

func (f *fakeTracker) ResolveUser(ctx context.Context, email string, projects []tracker.Project, src tracker.MembersSource) (map[string]string, error) {
	return tracker.ResolveUser(ctx, email, projects, src)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, key domain.UserKey, text string) error {
	n.mu.Lock()
	n.messages = append(n.messages, text)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) count(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, m := range n.messages {
		if strings.Contains(m, substr) {
			count++
		}
	}
	return count
}

func (n *fakeNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

var testKey = domain.UserKey{Email: "dev@company.com", ChatID: 1001}

// standardStates gives each project one open and one done state.
func standardStates(projectIDs ...string) map[string][]tracker.State {
	states := make(map[string][]tracker.State)
	for _, id := range projectIDs {
		states[id] = []tracker.State{
			{ID: id + "-todo", Name: "Todo", Group: tracker.StateGroupUnstarted},
			{ID: id + "-doing", Name: "In Progress", Group: tracker.StateGroupStarted},
			{ID: id + "-done", Name: "Done", Group: tracker.StateGroupCompleted},
			{ID: id + "-drop", Name: "Cancelled", Group: tracker.StateGroupCancelled},
		}
	}
	return states
}

// issuesFor creates open active issues and done issues assigned to memberID.
func issuesFor(projectID, memberID string, open, done int) []tracker.Issue {
	var issues []tracker.Issue
	for i := 0; i < open; i++ {
		issues = append(issues, tracker.Issue{
			ID:          fmt.Sprintf("%s-open-%d", projectID, i),
			ProjectID:   projectID,
			Title:       fmt.Sprintf("open task %d", i),
			StateID:     projectID + "-doing",
			AssigneeIDs: []string{memberID},
		})
	}
	for i := 0; i < done; i++ {
		issues = append(issues, tracker.Issue{
			ID:          fmt.Sprintf("%s-done-%d", projectID, i),
			ProjectID:   projectID,
			Title:       fmt.Sprintf("done task %d", i),
			StateID:     projectID + "-done",
			AssigneeIDs: []string{memberID},
		})
	}
	return issues
}

func newTestService(api service.TrackerAPI, notifier domain.Notifier) (*service.SyncService, *adapter.MemoryStatusStore, *adapter.MemoryTaskStore) {
	return newTestServiceWithDeadline(api, notifier, 30*time.Second)
}

func newTestServiceWithDeadline(api service.TrackerAPI, notifier domain.Notifier, deadline time.Duration) (*service.SyncService, *adapter.MemoryStatusStore, *adapter.MemoryTaskStore) {
	statuses := adapter.NewMemoryStatusStore(15 * time.Minute)
	tasks := adapter.NewMemoryTaskStore()
	svc := service.NewSyncService(service.Config{SyncDeadline: deadline}, api, statuses, tasks, notifier, nil)
	return svc, statuses, tasks
}

func TestSyncFiltersClosedIssues(t *testing.T) {
	// Three projects, the user is a member of two, each holding five open
	// and two done issues: the sync must yield exactly ten tasks.
	fake := &fakeTracker{
		projects: []tracker.Project{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}},
		members: map[string][]tracker.Member{
			"p1": {{ID: "m1", Email: "dev@company.com"}},
			"p2": {{ID: "m2", Email: "dev@company.com"}},
			"p3": {{ID: "m9", Email: "other@company.com"}},
		},
		states: standardStates("p1", "p2", "p3"),
		issues: map[string][]tracker.Issue{
			"p1": issuesFor("p1", "m1", 5, 2),
			"p2": issuesFor("p2", "m2", 5, 2),
		},
	}
	notifier := &fakeNotifier{}
	svc, _, _ := newTestService(fake, notifier)

	accepted, err := svc.RequestSync(context.Background(), testKey)
	if err != nil {
		t.Fatalf("RequestSync failed: %v", err)
	}
	if !accepted {
		t.Fatal("first RequestSync should be accepted")
	}
	svc.Wait()

	status, err := svc.Status(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.InProgress {
		t.Error("sync_in_progress should be cleared after completion")
	}
	if status.LastError != "" {
		t.Errorf("last error should be empty, got %q", status.LastError)
	}
	if status.TotalTasks != 10 {
		t.Errorf("total tasks = %d, want 10", status.TotalTasks)
	}

	tasks, err := svc.CachedTasks(context.Background(), testKey, 0)
	if err != nil {
		t.Fatalf("CachedTasks failed: %v", err)
	}
	if len(tasks) != 10 {
		t.Fatalf("cached %d tasks, want 10", len(tasks))
	}
	for _, task := range tasks {
		if task.StateGroup == string(tracker.StateGroupCompleted) || task.StateGroup == string(tracker.StateGroupCancelled) {
			t.Errorf("closed issue %s leaked into the cache", task.TaskID)
		}
	}

	if got := notifier.count("Sync completed: 10 tasks found."); got != 1 {
		t.Errorf("expected one completion notification, got %d (messages: %v)", got, notifier.messages)
	}
}

func TestRequestSyncDeduplicates(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeTracker{
		projects: []tracker.Project{{ID: "p1"}},
		members: map[string][]tracker.Member{
			"p1": {{ID: "m1", Email: "dev@company.com"}},
		},
		states:     standardStates("p1"),
		issues:     map[string][]tracker.Issue{"p1": issuesFor("p1", "m1", 2, 0)},
		issuesGate: gate,
	}
	notifier := &fakeNotifier{}
	svc, _, _ := newTestService(fake, notifier)

	ctx := context.Background()
	first, err := svc.RequestSync(ctx, testKey)
	if err != nil {
		t.Fatalf("first RequestSync failed: %v", err)
	}
	second, err := svc.RequestSync(ctx, testKey)
	if err != nil {
		t.Fatalf("second RequestSync failed: %v", err)
	}
	close(gate)
	svc.Wait()

	if !first {
		t.Error("first request should be accepted")
	}
	if second {
		t.Error("second request should be rejected while the first is in flight")
	}
	if got := notifier.count("Syncing your tasks"); got != 1 {
		t.Errorf("expected exactly one start notification, got %d", got)
	}
}

func TestSyncUserNotFoundKeepsSnapshot(t *testing.T) {
	fake := &fakeTracker{
		projects: []tracker.Project{{ID: "p1"}, {ID: "p2"}},
		members:  map[string][]tracker.Member{},
		states:   standardStates("p1", "p2"),
	}
	notifier := &fakeNotifier{}
	svc, _, tasks := newTestService(fake, notifier)

	previous := []domain.TaskCacheEntry{{TaskID: "old-1", Title: "previous snapshot"}}
	if err := tasks.Replace(context.Background(), testKey, previous); err != nil {
		t.Fatalf("seeding snapshot failed: %v", err)
	}

	accepted, err := svc.RequestSync(context.Background(), testKey)
	if err != nil || !accepted {
		t.Fatalf("RequestSync = (%v, %v), want accepted", accepted, err)
	}
	svc.Wait()

	status, err := svc.Status(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.InProgress {
		t.Error("sync_in_progress should be cleared")
	}
	if status.LastError != "user not found" {
		t.Errorf("last error = %q, want %q", status.LastError, "user not found")
	}

	// Identity-not-found must not be conflated with zero tasks: the old
	// snapshot survives.
	kept, err := svc.CachedTasks(context.Background(), testKey, 0)
	if err != nil {
		t.Fatalf("CachedTasks failed: %v", err)
	}
	if len(kept) != 1 || kept[0].TaskID != "old-1" {
		t.Errorf("previous snapshot was disturbed: %+v", kept)
	}

	if !strings.Contains(notifier.last(), "could not find your account") {
		t.Errorf("failure notification %q should mention the unknown account", notifier.last())
	}
}

func TestSyncPartialFailureIsDegradedSuccess(t *testing.T) {
	fake := &fakeTracker{
		projects: []tracker.Project{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}},
		members: map[string][]tracker.Member{
			"p1": {{ID: "m1", Email: "dev@company.com"}},
			"p2": {{ID: "m2", Email: "dev@company.com"}},
			"p3": {{ID: "m3", Email: "dev@company.com"}},
		},
		states: standardStates("p1", "p2", "p3"),
		issues: map[string][]tracker.Issue{
			"p1": issuesFor("p1", "m1", 3, 1),
			"p3": issuesFor("p3", "m3", 2, 0),
		},
		issuesErr: map[string]error{
			"p2": &tracker.TransientNetworkError{Attempts: 3, Err: errors.New("connection refused")},
		},
	}
	notifier := &fakeNotifier{}
	svc, _, _ := newTestService(fake, notifier)

	accepted, err := svc.RequestSync(context.Background(), testKey)
	if err != nil || !accepted {
		t.Fatalf("RequestSync = (%v, %v), want accepted", accepted, err)
	}
	svc.Wait()

	status, err := svc.Status(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.LastError != "" {
		t.Errorf("degraded success must keep last error empty, got %q", status.LastError)
	}
	if status.TotalTasks != 5 {
		t.Errorf("total tasks = %d, want 5", status.TotalTasks)
	}

	if got := notifier.count("5 tasks found, 1 project skipped"); got != 1 {
		t.Errorf("completion notification should mention the skipped project, got: %v", notifier.messages)
	}
}

func TestSyncTotalNetworkFailure(t *testing.T) {
	fake := &fakeTracker{
		projects: []tracker.Project{{ID: "p1"}, {ID: "p2"}},
		members: map[string][]tracker.Member{
			"p1": {{ID: "m1", Email: "dev@company.com"}},
			"p2": {{ID: "m2", Email: "dev@company.com"}},
		},
		states: standardStates("p1", "p2"),
		issuesErr: map[string]error{
			"p1": &tracker.TransientNetworkError{Attempts: 3, Err: errors.New("down")},
			"p2": &tracker.TransientNetworkError{Attempts: 3, Err: errors.New("down")},
		},
	}
	notifier := &fakeNotifier{}
	svc, _, _ := newTestService(fake, notifier)

	accepted, err := svc.RequestSync(context.Background(), testKey)
	if err != nil || !accepted {
		t.Fatalf("RequestSync = (%v, %v), want accepted", accepted, err)
	}
	svc.Wait()

	status, err := svc.Status(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.LastError != "network error" {
		t.Errorf("last error = %q, want %q", status.LastError, "network error")
	}
	if !strings.Contains(notifier.last(), "network error, try again later") {
		t.Errorf("failure notification %q should mention the network error", notifier.last())
	}
}

func TestSyncAuthFailure(t *testing.T) {
	fake := &fakeTracker{
		projectsErr: &tracker.AuthError{StatusCode: 401},
	}
	notifier := &fakeNotifier{}
	svc, _, _ := newTestService(fake, notifier)

	accepted, err := svc.RequestSync(context.Background(), testKey)
	if err != nil || !accepted {
		t.Fatalf("RequestSync = (%v, %v), want accepted", accepted, err)
	}
	svc.Wait()

	status, err := svc.Status(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.LastError != "authentication error" {
		t.Errorf("last error = %q, want %q", status.LastError, "authentication error")
	}
	if !strings.Contains(notifier.last(), "authentication error, contact admin") {
		t.Errorf("failure notification %q should point at the auth problem", notifier.last())
	}
}

func TestSyncDeadlineWithNothingGatheredFails(t *testing.T) {
	// The only project hangs until the sync deadline expires. Nothing was
	// gathered, so the sync fails as a network error, and the in-progress
	// flag is still cleared.
	fake := &fakeTracker{
		projects: []tracker.Project{{ID: "p1"}},
		members: map[string][]tracker.Member{
			"p1": {{ID: "m1", Email: "dev@company.com"}},
		},
		states:      standardStates("p1"),
		issuesBlock: map[string]bool{"p1": true},
	}
	notifier := &fakeNotifier{}
	svc, _, _ := newTestServiceWithDeadline(fake, notifier, 100*time.Millisecond)

	accepted, err := svc.RequestSync(context.Background(), testKey)
	if err != nil || !accepted {
		t.Fatalf("RequestSync = (%v, %v), want accepted", accepted, err)
	}
	svc.Wait()

	status, err := svc.Status(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.InProgress {
		t.Error("deadline expiry must not leave sync_in_progress set")
	}
	if status.LastError != "network error" {
		t.Errorf("last error = %q, want %q", status.LastError, "network error")
	}
	if !strings.Contains(notifier.last(), "network error, try again later") {
		t.Errorf("failure notification %q should mention the network error", notifier.last())
	}
}

func TestSyncDeadlineKeepsGatheredProjects(t *testing.T) {
	// The first project completes before the deadline, the second hangs past
	// it. The completed project's tasks still land as a degraded success.
	fake := &fakeTracker{
		projects: []tracker.Project{{ID: "p1"}, {ID: "p2"}},
		members: map[string][]tracker.Member{
			"p1": {{ID: "m1", Email: "dev@company.com"}},
			"p2": {{ID: "m2", Email: "dev@company.com"}},
		},
		states:      standardStates("p1", "p2"),
		issues:      map[string][]tracker.Issue{"p1": issuesFor("p1", "m1", 3, 0)},
		issuesBlock: map[string]bool{"p2": true},
	}
	notifier := &fakeNotifier{}
	svc, _, _ := newTestServiceWithDeadline(fake, notifier, 100*time.Millisecond)

	accepted, err := svc.RequestSync(context.Background(), testKey)
	if err != nil || !accepted {
		t.Fatalf("RequestSync = (%v, %v), want accepted", accepted, err)
	}
	svc.Wait()

	status, err := svc.Status(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.InProgress {
		t.Error("deadline expiry must not leave sync_in_progress set")
	}
	if status.LastError != "" {
		t.Errorf("degraded success must keep last error empty, got %q", status.LastError)
	}
	if status.TotalTasks != 3 {
		t.Errorf("total tasks = %d, want 3", status.TotalTasks)
	}

	tasks, err := svc.CachedTasks(context.Background(), testKey, 0)
	if err != nil {
		t.Fatalf("CachedTasks failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("cached %d tasks, want 3 from the completed project", len(tasks))
	}
	if got := notifier.count("3 tasks found, 1 project skipped"); got != 1 {
		t.Errorf("completion notification should report the abandoned project, got: %v", notifier.messages)
	}
}

func TestSyncPanicStillClearsInProgress(t *testing.T) {
	fake := &fakeTracker{
		projects: []tracker.Project{{ID: "p1"}},
		members: map[string][]tracker.Member{
			"p1": {{ID: "m1", Email: "dev@company.com"}},
		},
		statesPanic: true,
	}
	notifier := &fakeNotifier{}
	svc, _, _ := newTestService(fake, notifier)

	accepted, err := svc.RequestSync(context.Background(), testKey)
	if err != nil || !accepted {
		t.Fatalf("RequestSync = (%v, %v), want accepted", accepted, err)
	}
	svc.Wait()

	status, err := svc.Status(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.InProgress {
		t.Error("panic must not leave sync_in_progress set")
	}
	if status.LastError != "internal error" {
		t.Errorf("last error = %q, want %q", status.LastError, "internal error")
	}
}
