// Package logstore appends interaction records to per-day JSON-lines files.
//
// These files are the pipeline's audit trail: every agent action, generation
// CLI call, upstream operation and task lifecycle event lands here, one JSON
// object per line, one file per logger per day. Process logs go to slog;
// this store is for records meant to be parsed later.
package logstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// masterLogger names the file for orchestration-side records (assignment,
// upstream ops, lifecycle) as opposed to per-agent records.
const masterLogger = "master"

const previewLimit = 200

type record struct {
	RecordID  string         `json:"record_id"`
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Logger    string         `json:"logger"`
	Message   string         `json:"message"`
	AgentType string         `json:"agent_type,omitempty"`
	Action    string         `json:"action,omitempty"`
	Status    string         `json:"status,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Store writes interaction records. It keeps one open handle per (logger,
// day) pair and never propagates write failures to its callers.
type Store struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
	now   func() time.Time
}

// New returns a Store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{
		dir:   dir,
		files: make(map[string]*os.File),
		now:   time.Now,
	}
}

// Close closes all open log files.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, f := range s.files {
		if err := f.Close(); err != nil {
			slog.Warn("closing interaction log", slog.String("file", name), slog.Any("error", err))
		}
		delete(s.files, name)
	}
}

// AgentAction records one agent action. Failed actions are ERROR level.
func (s *Store) AgentAction(agent domain.AgentKind, action, status string, details map[string]any) {
	level, msg := "INFO", fmt.Sprintf("Agent action %s: %s", status, action)
	switch status {
	case "failed":
		level, msg = "ERROR", fmt.Sprintf("Agent action failed: %s", action)
	case "completed":
		msg = fmt.Sprintf("Agent action completed: %s", action)
	}
	s.append(string(agent), record{
		Level:     level,
		Logger:    string(agent),
		Message:   msg,
		AgentType: string(agent),
		Action:    action,
		Status:    status,
		Details:   details,
	})
}

// GenCall records one generation CLI invocation.
func (s *Store) GenCall(rec domain.GenCallRecord) {
	level, msg := "INFO", "generation call succeeded"
	if !rec.Success {
		level, msg = "ERROR", "generation call failed"
	}
	s.append(string(rec.Agent), record{
		Level:     level,
		Logger:    string(rec.Agent),
		Message:   msg,
		AgentType: string(rec.Agent),
		Details: map[string]any{
			"prompt_preview":   textx.Truncate(rec.PromptPreview, previewLimit),
			"prompt_tokens":    rec.PromptTokens,
			"success":          rec.Success,
			"return_code":      rec.ExitCode,
			"duration_seconds": math.Round(rec.Duration.Seconds()*100) / 100,
			"output_length":    rec.OutputLen,
		},
	})
}

// ForgeOp records one upstream code-host operation.
func (s *Store) ForgeOp(op, repo, status string, details map[string]any) {
	level, msg := "INFO", fmt.Sprintf("GitHub %s succeeded", op)
	if status != "success" {
		level, msg = "ERROR", fmt.Sprintf("GitHub %s failed", op)
	}
	if details == nil {
		details = map[string]any{}
	}
	details["operation"] = op
	details["repository"] = repo
	s.append(masterLogger, record{
		Level:   level,
		Logger:  masterLogger,
		Message: msg,
		Status:  status,
		Details: details,
	})
}

// TaskLifecycle records a task lifecycle event for a (repo, issue) pair.
func (s *Store) TaskLifecycle(repo string, issue int, event string, agent domain.AgentKind, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["repository"] = repo
	details["issue_number"] = issue
	s.append(masterLogger, record{
		Level:     "INFO",
		Logger:    masterLogger,
		Message:   fmt.Sprintf("Task %s: %s#%d", event, repo, issue),
		AgentType: string(agent),
		Action:    event,
		Details:   details,
	})
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

func newRecordID(ts time.Time) string {
	id, err := ulid.New(ulid.Timestamp(ts), ulidEntropy)
	if err != nil {
		return ts.UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

func (s *Store) append(logger string, rec record) {
	ts := s.now()
	rec.Timestamp = ts.Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec.RecordID = newRecordID(ts)

	line, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("marshaling interaction record", slog.Any("error", err))
		return
	}

	f, err := s.handle(logger, ts)
	if err != nil {
		slog.Warn("opening interaction log", slog.String("logger", logger), slog.Any("error", err))
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("writing interaction record", slog.String("logger", logger), slog.Any("error", err))
	}
}

// handle returns the open file for logger on the given day, rotating over
// date boundaries. Caller holds s.mu.
func (s *Store) handle(logger string, ts time.Time) (*os.File, error) {
	name := fmt.Sprintf("%s_%s.log", logger, ts.Format("20060102"))
	if f, ok := s.files[name]; ok {
		return f, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	// Drop any handle for this logger from a previous day.
	for old, fh := range s.files {
		if old != name && len(old) > len(logger) && old[:len(logger)+1] == logger+"_" {
			_ = fh.Close()
			delete(s.files, old)
		}
	}
	s.files[name] = f
	return f, nil
}
