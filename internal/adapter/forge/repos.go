package forge

import (
	"context"
	"net/http"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

type ghRepo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
}

func (r ghRepo) toDomain() *domain.RepoInfo {
	return &domain.RepoInfo{
		Name:          r.Name,
		FullName:      r.FullName,
		Description:   r.Description,
		DefaultBranch: r.DefaultBranch,
		Private:       r.Private,
		URL:           r.HTMLURL,
		CloneURL:      r.CloneURL,
	}
}

// CreateRepo creates an auto-initialized repository under the configured
// owner. gitignoreTemplate may be empty.
func (c *Client) CreateRepo(ctx context.Context, name, description string, private bool, gitignoreTemplate string) (*domain.RepoInfo, error) {
	path := "/user/repos"
	if c.org != "" {
		path = "/orgs/" + c.org + "/repos"
	}
	payload := map[string]any{
		"name":        name,
		"description": description,
		"private":     private,
		"auto_init":   true,
	}
	if gitignoreTemplate != "" {
		payload["gitignore_template"] = gitignoreTemplate
	}
	var out ghRepo
	err := c.do(ctx, http.MethodPost, path, payload, &out)
	c.logOp("create_repo", name, err, map[string]any{"private": private})
	if err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

// GetRepo fetches repository metadata.
func (c *Client) GetRepo(ctx context.Context, repo string) (*domain.RepoInfo, error) {
	var out ghRepo
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, ""), nil, &out)
	c.logOp("get_repo", repo, err, nil)
	if err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

// DeleteRepo removes the repository. The token needs delete_repo scope.
func (c *Client) DeleteRepo(ctx context.Context, repo string) error {
	err := c.do(ctx, http.MethodDelete, c.repoPath(repo, ""), nil, nil)
	c.logOp("delete_repo", repo, err, nil)
	return err
}

// CreateBranch creates branch pointing at the current head of from
// (default branch "main" when empty).
func (c *Client) CreateBranch(ctx context.Context, repo, branch, from string) error {
	if from == "" {
		from = domain.BranchMain
	}
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, "/git/refs/heads/"+from), nil, &ref)
	if err == nil {
		payload := map[string]any{
			"ref": "refs/heads/" + branch,
			"sha": ref.Object.SHA,
		}
		err = c.do(ctx, http.MethodPost, c.repoPath(repo, "/git/refs"), payload, nil)
	}
	c.logOp("create_branch", repo, err, map[string]any{"branch": branch, "from": from})
	return err
}

// ListBranches returns the branch names of the repository.
func (c *Client) ListBranches(ctx context.Context, repo string) ([]string, error) {
	var out []struct {
		Name string `json:"name"`
	}
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, "/branches?per_page=100"), nil, &out)
	c.logOp("list_branches", repo, err, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out))
	for _, b := range out {
		names = append(names, b.Name)
	}
	return names, nil
}

// ProtectBranch enables branch protection with strict status checks and the
// given approving-review count.
func (c *Client) ProtectBranch(ctx context.Context, repo, branch string, requiredReviews int) error {
	payload := map[string]any{
		"required_status_checks": map[string]any{
			"strict":   true,
			"contexts": []string{},
		},
		"enforce_admins": false,
		"required_pull_request_reviews": map[string]any{
			"required_approving_review_count": requiredReviews,
		},
		"restrictions": nil,
	}
	err := c.do(ctx, http.MethodPut, c.repoPath(repo, "/branches/"+branch+"/protection"), payload, nil)
	c.logOp("protect_branch", repo, err, map[string]any{"branch": branch})
	return err
}

// RateLimit reports the remaining core API quota.
func (c *Client) RateLimit(ctx context.Context) (*domain.RateLimitInfo, error) {
	var out struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "/rate_limit", nil, &out); err != nil {
		return nil, err
	}
	return &domain.RateLimitInfo{
		Limit:     out.Resources.Core.Limit,
		Remaining: out.Resources.Core.Remaining,
		ResetAt:   time.Unix(out.Resources.Core.Reset, 0),
	}, nil
}
