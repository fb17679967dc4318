// Package redisq backs the assignment store and the agent event bus with
// Redis. Each agent kind owns one sorted set used as a priority queue, and
// each (repository, issue) pair owns one hash that tracks the assignment
// through its lifecycle. Workers on separate hosts share the same keys, so
// every transition here must stay a single Redis command.
package redisq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/observability"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// Store implements domain.AssignmentStore on a Redis client.
type Store struct {
	redis *redis.Client
	now   func() time.Time
}

// NewStore wraps an already-connected Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{redis: rdb, now: time.Now}
}

func queueKey(kind domain.AgentKind) string {
	return "queue:agent:" + string(kind)
}

func trackingKey(repo string, issue int) string {
	return fmt.Sprintf("assignment:%s:%d", repo, issue)
}

// Enqueue pushes the task onto its agent queue and writes the pending
// tracking record. Lower scores pop first; ties pop in member order, which
// ZADD keeps stable for distinct payloads.
func (s *Store) Enqueue(ctx domain.Context, t domain.Task, priority float64) error {
	if !t.Kind.Valid() || !t.AgentKind.Valid() {
		return fmt.Errorf("%w: task %q for agent %q", domain.ErrInvalidArgument, t.Kind, t.AgentKind)
	}
	if t.EnqueuedAt == "" {
		t.EnqueuedAt = s.now().UTC().Format(time.RFC3339Nano)
	}
	b, _ := json.Marshal(t)
	if err := s.redis.ZAdd(ctx, queueKey(t.AgentKind), redis.Z{Score: priority, Member: string(b)}).Err(); err != nil {
		return fmt.Errorf("%w: enqueue %s#%d: %v", domain.ErrBrokerUnavailable, t.Repo, t.IssueNumber, err)
	}
	key := trackingKey(t.Repo, t.IssueNumber)
	err := s.redis.HSet(ctx, key, map[string]any{
		"agent":       string(t.AgentKind),
		"status":      string(domain.StatusPending),
		"assigned_at": t.EnqueuedAt,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: track %s#%d: %v", domain.ErrBrokerUnavailable, t.Repo, t.IssueNumber, err)
	}
	s.touch(ctx, key)
	observability.EnqueueTask(string(t.AgentKind))
	slog.Info("task enqueued",
		slog.String("repo", t.Repo),
		slog.Int("issue", t.IssueNumber),
		slog.String("agent", string(t.AgentKind)),
		slog.Float64("priority", priority))
	return nil
}

// ClaimNext atomically pops the highest-priority task for the agent kind.
// ZPOPMIN is the claim itself: once a worker holds the member no other
// worker can see it. Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimNext(ctx domain.Context, kind domain.AgentKind) (*domain.Task, error) {
	popped, err := s.redis.ZPopMin(ctx, queueKey(kind), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: claim %s: %v", domain.ErrBrokerUnavailable, kind, err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	raw, ok := popped[0].Member.(string)
	if !ok {
		return nil, nil
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// A malformed member is already off the queue; drop it rather than
		// wedge the worker on it forever.
		slog.Warn("dropping malformed queue member", slog.String("agent", string(kind)), slog.String("error", err.Error()))
		return nil, nil
	}
	key := trackingKey(t.Repo, t.IssueNumber)
	err = s.redis.HSet(ctx, key, map[string]any{
		"status":     string(domain.StatusInProgress),
		"claimed_at": s.now().UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("%w: claim track %s#%d: %v", domain.ErrBrokerUnavailable, t.Repo, t.IssueNumber, err)
	}
	s.touch(ctx, key)
	observability.StartTask(string(kind))
	return &t, nil
}

// Complete marks the tracking record completed and stores a capped summary.
func (s *Store) Complete(ctx domain.Context, repo string, issue int, summary string) error {
	key := trackingKey(repo, issue)
	err := s.redis.HSet(ctx, key, map[string]any{
		"status":         string(domain.StatusCompleted),
		"completed_at":   s.now().UTC().Format(time.RFC3339Nano),
		"result_summary": textx.Truncate(summary, domain.SummaryLimit),
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: complete %s#%d: %v", domain.ErrBrokerUnavailable, repo, issue, err)
	}
	s.touch(ctx, key)
	return nil
}

// Fail marks the tracking record failed and stores a capped error text.
func (s *Store) Fail(ctx domain.Context, repo string, issue int, errText string) error {
	key := trackingKey(repo, issue)
	err := s.redis.HSet(ctx, key, map[string]any{
		"status":    string(domain.StatusFailed),
		"failed_at": s.now().UTC().Format(time.RFC3339Nano),
		"error":     textx.Truncate(errText, domain.SummaryLimit),
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: fail %s#%d: %v", domain.ErrBrokerUnavailable, repo, issue, err)
	}
	s.touch(ctx, key)
	return nil
}

// Peek returns up to n pending tasks in claim order without removing them.
// Members that no longer parse are skipped.
func (s *Store) Peek(ctx domain.Context, kind domain.AgentKind, n int) ([]domain.Task, error) {
	if n <= 0 {
		return nil, nil
	}
	raws, err := s.redis.ZRange(ctx, queueKey(kind), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: peek %s: %v", domain.ErrBrokerUnavailable, kind, err)
	}
	tasks := make([]domain.Task, 0, len(raws))
	for _, raw := range raws {
		var t domain.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// QueueDepth reports the number of pending tasks for the agent kind.
func (s *Store) QueueDepth(ctx domain.Context, kind domain.AgentKind) (int64, error) {
	depth, err := s.redis.ZCard(ctx, queueKey(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: depth %s: %v", domain.ErrBrokerUnavailable, kind, err)
	}
	observability.RecordQueueDepth(string(kind), depth)
	return depth, nil
}

// Status reads the tracking record for a (repository, issue) pair.
// Returns domain.ErrNotFound once the record has expired or never existed.
func (s *Store) Status(ctx domain.Context, repo string, issue int) (*domain.TrackingRecord, error) {
	data, err := s.redis.HGetAll(ctx, trackingKey(repo, issue)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: status %s#%d: %v", domain.ErrBrokerUnavailable, repo, issue, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: assignment %s#%d", domain.ErrNotFound, repo, issue)
	}
	rec := &domain.TrackingRecord{
		Repo:          repo,
		IssueNumber:   issue,
		AgentKind:     domain.AgentKind(data["agent"]),
		Status:        domain.TaskStatus(data["status"]),
		ResultSummary: data["result_summary"],
		Error:         data["error"],
		AssignedAt:    parseTime(data["assigned_at"]),
		ClaimedAt:     parseTime(data["claimed_at"]),
		CompletedAt:   parseTime(data["completed_at"]),
		FailedAt:      parseTime(data["failed_at"]),
	}
	return rec, nil
}

// touch restarts the record TTL so it measures time since the last write.
func (s *Store) touch(ctx domain.Context, key string) {
	if err := s.redis.Expire(ctx, key, domain.TrackingTTL).Err(); err != nil {
		slog.Warn("tracking ttl refresh failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
