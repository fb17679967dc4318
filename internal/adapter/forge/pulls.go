package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

type ghPull struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	Commits int    `json:"commits"`
	Base    struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

func (p ghPull) toDomain() domain.PullRequest {
	return domain.PullRequest{
		Number:  p.Number,
		Title:   p.Title,
		Body:    p.Body,
		Base:    p.Base.Ref,
		Head:    p.Head.Ref,
		State:   p.State,
		Merged:  p.Merged,
		URL:     p.HTMLURL,
		Commits: p.Commits,
	}
}

// CreatePull opens a pull request from head into base ("main" when empty).
func (c *Client) CreatePull(ctx context.Context, repo, title, body, head, base string) (*domain.PullRequest, error) {
	if base == "" {
		base = domain.BranchMain
	}
	payload := map[string]any{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
		"draft": false,
	}
	var out ghPull
	err := c.do(ctx, http.MethodPost, c.repoPath(repo, "/pulls"), payload, &out)
	c.logOp("create_pull", repo, err, map[string]any{"head": head, "base": base})
	if err != nil {
		return nil, err
	}
	pr := out.toDomain()
	return &pr, nil
}

// MergePull merges the pull request with the given method ("merge" when
// empty; "squash" and "rebase" are the other upstream options).
func (c *Client) MergePull(ctx context.Context, repo string, number int, method string) error {
	if method == "" {
		method = "merge"
	}
	payload := map[string]any{"merge_method": method}
	err := c.do(ctx, http.MethodPut, c.repoPath(repo, fmt.Sprintf("/pulls/%d/merge", number)), payload, nil)
	c.logOp("merge_pull", repo, err, map[string]any{"pr": number, "method": method})
	return err
}

// ListPulls returns pull requests filtered by state ("open" when empty).
func (c *Client) ListPulls(ctx context.Context, repo, state string) ([]domain.PullRequest, error) {
	if state == "" {
		state = "open"
	}
	var out []ghPull
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, "/pulls?state="+url.QueryEscape(state)+"&per_page=100"), nil, &out)
	c.logOp("list_pulls", repo, err, map[string]any{"state": state})
	if err != nil {
		return nil, err
	}
	prs := make([]domain.PullRequest, 0, len(out))
	for _, p := range out {
		prs = append(prs, p.toDomain())
	}
	return prs, nil
}

// CreateReview submits an approving or change-requesting review. When the
// upstream rejects the review, which happens when reviewing one's own pull
// request, the body is posted as a plain comment instead.
func (c *Client) CreateReview(ctx context.Context, repo string, number int, action domain.ReviewAction, body string) error {
	payload := map[string]any{"event": string(action), "body": body}
	err := c.do(ctx, http.MethodPost, c.repoPath(repo, fmt.Sprintf("/pulls/%d/reviews", number)), payload, nil)
	if errors.Is(err, domain.ErrConflict) {
		c.logOp("create_review", repo, nil, map[string]any{
			"pr":       number,
			"event":    string(action),
			"fallback": "comment",
		})
		return c.Comment(ctx, repo, number, body)
	}
	c.logOp("create_review", repo, err, map[string]any{"pr": number, "event": string(action)})
	return err
}

// GetPull fetches one pull request.
func (c *Client) GetPull(ctx context.Context, repo string, number int) (*domain.PullRequest, error) {
	var out ghPull
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, fmt.Sprintf("/pulls/%d", number)), nil, &out)
	c.logOp("get_pull", repo, err, map[string]any{"pr": number})
	if err != nil {
		return nil, err
	}
	pr := out.toDomain()
	return &pr, nil
}

// ListPullFiles returns the files changed by the pull request.
func (c *Client) ListPullFiles(ctx context.Context, repo string, number int) ([]domain.PullFile, error) {
	var out []domain.PullFile
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, fmt.Sprintf("/pulls/%d/files?per_page=100", number)), nil, &out)
	c.logOp("list_pull_files", repo, err, map[string]any{"pr": number})
	if err != nil {
		return nil, err
	}
	return out, nil
}
