package domain

import "time"

// ReviewAction is the verdict attached to a pull-request review.
type ReviewAction string

const (
	ReviewApprove        ReviewAction = "APPROVE"
	ReviewRequestChanges ReviewAction = "REQUEST_CHANGES"
)

// RepoInfo describes an upstream repository.
type RepoInfo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	URL           string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
}

// Label is a repository issue label.
type Label struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description,omitempty"`
}

// IssueUpdate carries the fields UpdateIssue changes. Nil fields are left
// untouched upstream.
type IssueUpdate struct {
	Title  *string
	Body   *string
	State  *string
	Labels *[]string
}

// PullFile is one changed file in a pull request.
type PullFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// RateLimitInfo reports the remaining upstream API budget.
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Forge is the upstream code host: repositories, branches, issues, pull
// requests, repository contents, and CI runs. Implementations map upstream
// failures onto the sentinel errors (ErrUnauthorized, ErrForbidden,
// ErrNotFound, ErrConflict, ErrRateLimited) so callers can branch with
// errors.Is.
type Forge interface {
	CreateRepo(ctx Context, name, description string, private bool, gitignoreTemplate string) (*RepoInfo, error)
	GetRepo(ctx Context, repo string) (*RepoInfo, error)
	DeleteRepo(ctx Context, repo string) error
	CreateBranch(ctx Context, repo, branch, from string) error
	ListBranches(ctx Context, repo string) ([]string, error)
	ProtectBranch(ctx Context, repo, branch string, requiredReviews int) error

	CreateIssue(ctx Context, repo, title, body string, labels []string) (*Issue, error)
	GetIssue(ctx Context, repo string, number int) (*Issue, error)
	UpdateIssue(ctx Context, repo string, number int, upd IssueUpdate) (*Issue, error)
	CloseIssue(ctx Context, repo string, number int) error
	ListIssues(ctx Context, repo, state string, labels []string) ([]Issue, error)
	AddLabels(ctx Context, repo string, number int, labels []string) error
	CreateLabels(ctx Context, repo string, labels []Label) error
	Comment(ctx Context, repo string, number int, body string) error

	CreatePull(ctx Context, repo, title, body, head, base string) (*PullRequest, error)
	MergePull(ctx Context, repo string, number int, method string) error
	ListPulls(ctx Context, repo, state string) ([]PullRequest, error)
	CreateReview(ctx Context, repo string, number int, action ReviewAction, body string) error
	GetPull(ctx Context, repo string, number int) (*PullRequest, error)
	ListPullFiles(ctx Context, repo string, number int) ([]PullFile, error)

	CreateOrUpdateFile(ctx Context, repo, path, message, content, branch string) error
	GetFile(ctx Context, repo, path, ref string) (string, error)

	ListWorkflowRuns(ctx Context, repo, branch string) ([]WorkflowRun, error)
	GetWorkflowRunLogs(ctx Context, repo string, runID int64) (string, error)
	RateLimit(ctx Context) (*RateLimitInfo, error)
}
