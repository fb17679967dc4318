package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// workflowLogsCap bounds how much CI log text one fetch may return.
const workflowLogsCap = 64 * 1024

type ghWorkflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	HeadBranch string `json:"head_branch"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

func (r ghWorkflowRun) toDomain() domain.WorkflowRun {
	return domain.WorkflowRun{
		ID:         r.ID,
		Name:       r.Name,
		HeadBranch: r.HeadBranch,
		Status:     r.Status,
		Conclusion: r.Conclusion,
		URL:        r.HTMLURL,
	}
}

// ListWorkflowRuns returns recent CI runs, newest first. branch filters
// when non-empty.
func (c *Client) ListWorkflowRuns(ctx context.Context, repo, branch string) ([]domain.WorkflowRun, error) {
	q := url.Values{"per_page": {"20"}}
	if branch != "" {
		q.Set("branch", branch)
	}
	var out struct {
		WorkflowRuns []ghWorkflowRun `json:"workflow_runs"`
	}
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, "/actions/runs?"+q.Encode()), nil, &out)
	c.logOp("list_workflow_runs", repo, err, map[string]any{"branch": branch})
	if err != nil {
		return nil, err
	}
	runs := make([]domain.WorkflowRun, 0, len(out.WorkflowRuns))
	for _, r := range out.WorkflowRuns {
		runs = append(runs, r.toDomain())
	}
	return runs, nil
}

// GetWorkflowRunLogs concatenates the plain-text logs of every job in the
// run. The result is capped; a job whose logs cannot be fetched is skipped
// rather than failing the whole run.
func (c *Client) GetWorkflowRunLogs(ctx context.Context, repo string, runID int64) (string, error) {
	var jobs struct {
		Jobs []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, c.repoPath(repo, fmt.Sprintf("/actions/runs/%d/jobs", runID)), nil, &jobs)
	if err != nil {
		c.logOp("get_workflow_run_logs", repo, err, map[string]any{"run_id": runID})
		return "", err
	}
	var b strings.Builder
	for _, j := range jobs.Jobs {
		if b.Len() >= workflowLogsCap {
			break
		}
		text, logErr := c.doText(ctx, c.repoPath(repo, fmt.Sprintf("/actions/jobs/%d/logs", j.ID)), int64(workflowLogsCap-b.Len()))
		if logErr != nil {
			continue
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n", j.Name, text)
	}
	c.logOp("get_workflow_run_logs", repo, nil, map[string]any{
		"run_id": runID,
		"jobs":   len(jobs.Jobs),
		"bytes":  b.Len(),
	})
	return b.String(), nil
}
