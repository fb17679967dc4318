package forge

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// CreateOrUpdateFile writes content to path on branch (default branch when
// empty). When the file already exists its blob SHA is looked up first so
// the write becomes an update instead of a conflict.
func (c *Client) CreateOrUpdateFile(ctx context.Context, repo, path, message, content, branch string) error {
	payload := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
	}
	if branch != "" {
		payload["branch"] = branch
	}
	if sha, err := c.fileSHA(ctx, repo, path, branch); err == nil && sha != "" {
		payload["sha"] = sha
	}
	err := c.do(ctx, http.MethodPut, c.repoPath(repo, "/contents/"+escapePath(path)), payload, nil)
	c.logOp("create_or_update_file", repo, err, map[string]any{"path": path, "branch": branch})
	return err
}

func (c *Client) fileSHA(ctx context.Context, repo, path, ref string) (string, error) {
	var out struct {
		SHA string `json:"sha"`
	}
	p := c.repoPath(repo, "/contents/"+escapePath(path))
	if ref != "" {
		p += "?ref=" + url.QueryEscape(ref)
	}
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// GetFile returns the decoded content of path at ref (default branch when
// empty).
func (c *Client) GetFile(ctx context.Context, repo, path, ref string) (string, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	p := c.repoPath(repo, "/contents/"+escapePath(path))
	if ref != "" {
		p += "?ref=" + url.QueryEscape(ref)
	}
	err := c.do(ctx, http.MethodGet, p, nil, &out)
	c.logOp("get_file", repo, err, map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	if out.Encoding != "base64" {
		return out.Content, nil
	}
	// Upstream wraps base64 content across lines.
	raw, decErr := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if decErr != nil {
		return "", fmt.Errorf("%w: decode file content: %v", domain.ErrInternal, decErr)
	}
	return string(raw), nil
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
