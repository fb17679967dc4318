package logstore

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestAgentAction_WritesPerAgentFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	defer s.Close()

	s.AgentAction(domain.AgentBackend, "implement_api", "completed", map[string]any{"endpoint": "/api/users"})
	s.AgentAction(domain.AgentBackend, "implement_api", "failed", nil)

	day := time.Now().Format("20060102")
	recs := readRecords(t, filepath.Join(dir, "backend_"+day+".log"))
	require.Len(t, recs, 2)

	require.Equal(t, "INFO", recs[0]["level"])
	require.Equal(t, "Agent action completed: implement_api", recs[0]["message"])
	require.Equal(t, "backend", recs[0]["agent_type"])
	require.NotEmpty(t, recs[0]["record_id"])
	require.NotEmpty(t, recs[0]["timestamp"])

	require.Equal(t, "ERROR", recs[1]["level"])
	require.Equal(t, "Agent action failed: implement_api", recs[1]["message"])
}

func TestGenCall_RecordsPreviewAndOutcome(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	defer s.Close()

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	s.GenCall(domain.GenCallRecord{
		Agent:         domain.AgentFrontend,
		PromptPreview: string(long),
		PromptTokens:  512,
		Success:       true,
		ExitCode:      0,
		Duration:      1530 * time.Millisecond,
		OutputLen:     42,
	})

	day := time.Now().Format("20060102")
	recs := readRecords(t, filepath.Join(dir, "frontend_"+day+".log"))
	require.Len(t, recs, 1)

	details := recs[0]["details"].(map[string]any)
	require.Len(t, details["prompt_preview"].(string), 200)
	require.Equal(t, float64(512), details["prompt_tokens"])
	require.Equal(t, 1.53, details["duration_seconds"])
	require.Equal(t, "generation call succeeded", recs[0]["message"])
}

func TestForgeOpAndLifecycle_GoToMasterFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	defer s.Close()

	s.ForgeOp("create_pr", "owner/todo-app", "success", map[string]any{"pr_number": 42})
	s.ForgeOp("create_repo", "owner/todo-app", "failed", nil)
	s.TaskLifecycle("owner/todo-app", 7, "claimed", domain.AgentBackend, nil)

	day := time.Now().Format("20060102")
	recs := readRecords(t, filepath.Join(dir, "master_"+day+".log"))
	require.Len(t, recs, 3)

	require.Equal(t, "GitHub create_pr succeeded", recs[0]["message"])
	require.Equal(t, "owner/todo-app", recs[0]["details"].(map[string]any)["repository"])
	require.Equal(t, "ERROR", recs[1]["level"])
	require.Equal(t, "Task claimed: owner/todo-app#7", recs[2]["message"])
	require.Equal(t, float64(7), recs[2]["details"].(map[string]any)["issue_number"])
}

func TestAppend_NeverPanicsOnBadDir(t *testing.T) {
	s := New(filepath.Join(string([]byte{0}), "nope"))
	defer s.Close()

	// Must swallow the open failure.
	s.AgentAction(domain.AgentQA, "review", "started", nil)
}

func TestRecordIDsAreUnique(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	defer s.Close()

	for i := 0; i < 20; i++ {
		s.TaskLifecycle("owner/r", i, "created", domain.AgentBackend, nil)
	}

	day := time.Now().Format("20060102")
	recs := readRecords(t, filepath.Join(dir, "master_"+day+".log"))
	seen := map[string]bool{}
	for _, r := range recs {
		id := r["record_id"].(string)
		require.False(t, seen[id], "duplicate record id %s", id)
		seen[id] = true
	}
}
