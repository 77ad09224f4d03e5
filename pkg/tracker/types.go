package tracker

// StateGroup classifies workflow states into the tracker's five fixed groups.
type StateGroup string

const (
	StateGroupBacklog   StateGroup = "backlog"
	StateGroupUnstarted StateGroup = "unstarted"
	StateGroupStarted   StateGroup = "started"
	StateGroupCompleted StateGroup = "completed"
	StateGroupCancelled StateGroup = "cancelled"
)

// Closed reports whether issues in this group count as finished work.
func (g StateGroup) Closed() bool {
	return g == StateGroupCompleted || g == StateGroupCancelled
}

// Project is a container of issues and members within a workspace.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Identifier  string `json:"identifier"`
	WorkspaceID string `json:"workspace"`
}

// Member is a user's membership record within one project.
type Member struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// State is a named workflow status an issue can be in.
type State struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Group StateGroup `json:"group"`
}

// Issue is a unit of work in the tracker.
type Issue struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project"`
	Title       string   `json:"name"`
	StateID     string   `json:"state"`
	Priority    string   `json:"priority"`
	AssigneeIDs []string `json:"assignees"`
	URL         string   `json:"url"`
}
