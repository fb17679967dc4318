package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

type ghIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Labels  []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

func (i ghIssue) toDomain() domain.Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.Name)
	}
	return domain.Issue{
		Number: i.Number,
		Title:  i.Title,
		Body:   i.Body,
		Labels: labels,
		State:  i.State,
		URL:    i.HTMLURL,
	}
}

// CreateIssue opens an issue with optional labels.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*domain.Issue, error) {
	payload := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}
	var out ghIssue
	err := c.do(ctx, http.MethodPost, c.repoPath(repo, "/issues"), payload, &out)
	c.logOp("create_issue", repo, err, map[string]any{"title": textx.Truncate(title, 100)})
	if err != nil {
		return nil, err
	}
	iss := out.toDomain()
	return &iss, nil
}

// GetIssue fetches a single issue by number.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*domain.Issue, error) {
	var out ghIssue
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, fmt.Sprintf("/issues/%d", number)), nil, &out)
	c.logOp("get_issue", repo, err, map[string]any{"issue": number})
	if err != nil {
		return nil, err
	}
	iss := out.toDomain()
	return &iss, nil
}

// UpdateIssue patches the non-nil fields of upd. A Labels update replaces
// the full label set.
func (c *Client) UpdateIssue(ctx context.Context, repo string, number int, upd domain.IssueUpdate) (*domain.Issue, error) {
	payload := map[string]any{}
	if upd.Title != nil {
		payload["title"] = *upd.Title
	}
	if upd.Body != nil {
		payload["body"] = *upd.Body
	}
	if upd.State != nil {
		payload["state"] = *upd.State
	}
	if upd.Labels != nil {
		payload["labels"] = *upd.Labels
	}
	var out ghIssue
	err := c.do(ctx, http.MethodPatch, c.repoPath(repo, fmt.Sprintf("/issues/%d", number)), payload, &out)
	c.logOp("update_issue", repo, err, map[string]any{"issue": number})
	if err != nil {
		return nil, err
	}
	iss := out.toDomain()
	return &iss, nil
}

// CloseIssue marks the issue closed.
func (c *Client) CloseIssue(ctx context.Context, repo string, number int) error {
	payload := map[string]any{"state": "closed"}
	err := c.do(ctx, http.MethodPatch, c.repoPath(repo, fmt.Sprintf("/issues/%d", number)), payload, nil)
	c.logOp("close_issue", repo, err, map[string]any{"issue": number})
	return err
}

// ListIssues returns issues filtered by state ("open" when empty) and
// labels. Pull requests, which the upstream issues endpoint also returns,
// are filtered out.
func (c *Client) ListIssues(ctx context.Context, repo, state string, labels []string) ([]domain.Issue, error) {
	if state == "" {
		state = "open"
	}
	q := url.Values{"state": {state}, "per_page": {"100"}}
	if len(labels) > 0 {
		q.Set("labels", strings.Join(labels, ","))
	}
	var out []ghIssue
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, "/issues?"+q.Encode()), nil, &out)
	c.logOp("list_issues", repo, err, map[string]any{"state": state})
	if err != nil {
		return nil, err
	}
	issues := make([]domain.Issue, 0, len(out))
	for _, it := range out {
		if it.PullRequest != nil {
			continue
		}
		issues = append(issues, it.toDomain())
	}
	return issues, nil
}

// AddLabels appends labels to the issue, keeping existing ones.
func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	payload := map[string]any{"labels": labels}
	err := c.do(ctx, http.MethodPost, c.repoPath(repo, fmt.Sprintf("/issues/%d/labels", number)), payload, nil)
	c.logOp("add_labels", repo, err, map[string]any{"issue": number, "labels": labels})
	return err
}

// CreateLabels creates each label, skipping ones that already exist. The
// first hard failure is reported after all labels are attempted.
func (c *Client) CreateLabels(ctx context.Context, repo string, labels []domain.Label) error {
	var firstErr error
	created := 0
	for _, l := range labels {
		payload := map[string]any{"name": l.Name, "color": l.Color}
		if l.Description != "" {
			payload["description"] = l.Description
		}
		err := c.do(ctx, http.MethodPost, c.repoPath(repo, "/labels"), payload, nil)
		if err == nil {
			created++
			continue
		}
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("label %q: %w", l.Name, err)
		}
	}
	c.logOp("create_labels", repo, firstErr, map[string]any{"requested": len(labels), "created": created})
	return firstErr
}

// Comment posts a comment on an issue or pull request.
func (c *Client) Comment(ctx context.Context, repo string, number int, body string) error {
	payload := map[string]any{"body": body}
	err := c.do(ctx, http.MethodPost, c.repoPath(repo, fmt.Sprintf("/issues/%d/comments", number)), payload, nil)
	c.logOp("comment", repo, err, map[string]any{"issue": number})
	return err
}
