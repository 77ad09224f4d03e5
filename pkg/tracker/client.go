package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const pageSize = 100

// Client is a typed wrapper over the tracker's HTTP API. All requests go
// through the shared rate-limited Transport.
type Client struct {
	baseURL   string
	token     string
	transport *Transport
}

// NewClient creates a tracker API client. baseURL is the workspace API root,
// e.g. "https://tracker.example.com/api/workspaces/acme".
func NewClient(baseURL, token string, transport *Transport) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		transport: transport,
	}
}

type projectPage struct {
	Results    []Project `json:"results"`
	TotalPages int       `json:"total_pages"`
}

type issuePage struct {
	Results    []Issue `json:"results"`
	TotalPages int     `json:"total_pages"`
}

// ListProjects returns every project in the workspace, in the order the
// server reports them.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var all []Project
	for page := 1; ; page++ {
		var resp projectPage
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(pageSize))
		if err := c.get(ctx, "/projects", q, &resp); err != nil {
			return nil, fmt.Errorf("list projects page %d: %w", page, err)
		}
		all = append(all, resp.Results...)
		if page >= resp.TotalPages || len(resp.Results) == 0 {
			break
		}
	}
	return all, nil
}

// ListMembers returns the membership list of one project.
func (c *Client) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	var members []Member
	if err := c.get(ctx, "/projects/"+projectID+"/members", nil, &members); err != nil {
		return nil, fmt.Errorf("list members of %s: %w", projectID, err)
	}
	return members, nil
}

// ListStates returns the workflow states of one project.
func (c *Client) ListStates(ctx context.Context, projectID string) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/projects/"+projectID+"/states", nil, &states); err != nil {
		return nil, fmt.Errorf("list states of %s: %w", projectID, err)
	}
	return states, nil
}

// ListIssues returns the issues of one project assigned to the given member.
// The assignee filter is requested server-side and re-applied client-side for
// servers that ignore the query parameter.
func (c *Client) ListIssues(ctx context.Context, projectID, memberID string) ([]Issue, error) {
	var all []Issue
	for page := 1; ; page++ {
		var resp issuePage
		q := url.Values{}
		q.Set("assignee", memberID)
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(pageSize))
		if err := c.get(ctx, "/projects/"+projectID+"/issues", q, &resp); err != nil {
			return nil, fmt.Errorf("list issues of %s page %d: %w", projectID, page, err)
		}
		for _, issue := range resp.Results {
			if slices.Contains(issue.AssigneeIDs, memberID) {
				all = append(all, issue)
			}
		}
		if page >= resp.TotalPages || len(resp.Results) == 0 {
			break
		}
	}
	return all, nil
}

// MembersSource returns the membership list for one project. ResolveUser
// accepts one so callers can route membership reads through a cache.
type MembersSource func(ctx context.Context, projectID string) ([]Member, error)

// ResolveUser maps an email to the tracker's member id in each project where
// the user is a member, reading memberships through src (pass nil to fetch
// them directly).
func (c *Client) ResolveUser(ctx context.Context, email string, projects []Project, src MembersSource) (map[string]string, error) {
	if src == nil {
		src = c.ListMembers
	}
	return ResolveUser(ctx, email, projects, src)
}

// ResolveUser maps an email to the tracker's member id in each project where
// the user is a member. The email match is case-insensitive and exact. A
// single project's fetch failure is logged and skipped; only auth failures
// abort the scan. If no project yields a match, ErrUserNotFound is returned
// so callers can tell "not registered" apart from "zero tasks assigned".
func ResolveUser(ctx context.Context, email string, projects []Project, src MembersSource) (map[string]string, error) {
	email = strings.ToLower(email)

	resolved := make(map[string]string)
	for _, project := range projects {
		members, err := src(ctx, project.ID)
		if err != nil {
			if IsAuthError(err) {
				return nil, err
			}
			slog.Warn("skipping project during identity resolution",
				slog.String("project", project.ID),
				slog.Any("error", err))
			continue
		}
		for _, m := range members {
			if strings.ToLower(m.Email) == email {
				resolved[project.ID] = m.ID
				break
			}
		}
	}

	if len(resolved) == 0 {
		return nil, ErrUserNotFound
	}
	return resolved, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("error", err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
