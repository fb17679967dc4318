package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("authentication failed")
	ErrForbidden         = errors.New("permission denied")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrGenerationTimeout = errors.New("generation timeout")
	ErrValidationFailed  = errors.New("validation failed")
	ErrPushFailed        = errors.New("push failed")
	ErrBuildFailed       = errors.New("container build failed")
	ErrRunFailed         = errors.New("container run failed")
	ErrRouteFailed       = errors.New("tunnel route failed")
	ErrConfigCorrupt     = errors.New("config corrupt")
	ErrInternal          = errors.New("internal error")
)

// TaskKind enumerates the work a queued task asks an agent to do. The string
// values are the wire representation; code dispatches on the typed constant.
type TaskKind string

const (
	TaskImplementFeature TaskKind = "implement_feature"
	TaskFixBug           TaskKind = "fix_bug"
	TaskWriteTests       TaskKind = "write_tests"
	TaskRefactor         TaskKind = "refactor"
	TaskReviewPR         TaskKind = "review_pr"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskImplementFeature, TaskFixBug, TaskWriteTests, TaskRefactor, TaskReviewPR:
		return true
	}
	return false
}

// Task is a unit of work addressed to one agent kind, targeting one upstream
// issue. Tasks are immutable once enqueued; the serialized JSON form is the
// member identity inside a priority queue, so two enqueues of the same
// semantic task with different timestamps are distinct entries.
type Task struct {
	Kind        TaskKind  `json:"task_type"`
	Repo        string    `json:"repo_name"`
	IssueNumber int       `json:"issue_number"`
	PRNumber    int       `json:"pr_number,omitempty"`
	ProjectPath string    `json:"project_path,omitempty"`
	AgentKind   AgentKind `json:"assigned_agent"`
	EnqueuedAt  string    `json:"assigned_at,omitempty"`
}

// TaskStatus is the lifecycle state of a tracking record.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TrackingRecord is the authoritative state of a (repository, issue) pair in
// the assignment store. It expires seven days after its last write.
type TrackingRecord struct {
	Repo          string
	IssueNumber   int
	AgentKind     AgentKind
	Status        TaskStatus
	AssignedAt    time.Time
	ClaimedAt     time.Time
	CompletedAt   time.Time
	FailedAt      time.Time
	ResultSummary string
	Error         string
}

// TrackingTTL bounds the life of a tracking record from its last write.
const TrackingTTL = 7 * 24 * time.Hour

// SummaryLimit caps stored result summaries and error texts, in runes.
const SummaryLimit = 500

// DefaultPriority orders tasks whose issue number is unknown after all
// numbered issues.
const DefaultPriority = 999.0

// WorkerState is the observable state of one agent worker loop.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerPolling WorkerState = "polling"
	WorkerWorking WorkerState = "working"
	WorkerError   WorkerState = "error"
	WorkerStopped WorkerState = "stopped"
)

// Quiet reports whether the state counts toward drain detection.
func (s WorkerState) Quiet() bool {
	return s == WorkerIdle || s == WorkerPolling || s == WorkerStopped
}

// WorkerSnapshot is a point-in-time view of a worker. StartedAt is set only
// while the worker is working.
type WorkerSnapshot struct {
	Kind      AgentKind   `json:"agent_type"`
	State     WorkerState `json:"state"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
}

// TaskResult is what an agent returns for an executed task. Review tasks set
// Approved and list the blocking issues; producing tasks set PRNumber when a
// review was opened.
type TaskResult struct {
	Success  bool     `json:"success"`
	PRNumber int      `json:"pr_number,omitempty"`
	Branch   string   `json:"branch,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Approved bool     `json:"approved,omitempty"`
	Issues   []string `json:"issues,omitempty"`
}

// ProjectStatus tracks a project through its pipeline lifetime.
type ProjectStatus string

const (
	ProjectReady            ProjectStatus = "ready_for_development"
	ProjectPipelineRunning  ProjectStatus = "pipeline_running"
	ProjectPipelineComplete ProjectStatus = "pipeline_complete"
	ProjectDeployed         ProjectStatus = "deployed"
)

// Project is one managed project. Only the registry mutates it; its metadata
// file is written atomically so cross-goroutine readers never observe a torn
// record.
type Project struct {
	Name         string        `json:"name"`
	Path         string        `json:"path"`
	Requirements string        `json:"requirements"`
	Repo         string        `json:"github_repo"`
	Stack        string        `json:"stack,omitempty"`
	Status       ProjectStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	DeployURL    string        `json:"deploy_url,omitempty"`
}

// MetadataFile is the per-project state file inside the project directory.
const MetadataFile = ".project_metadata.json"

// QAConfigFile is the per-project QA gate configuration file.
const QAConfigFile = ".qa_config.json"

// EventType enumerates bus events.
type EventType string

const (
	EventStatusUpdate EventType = "status_update"
	EventTaskComplete EventType = "task_complete"
	EventNotification EventType = "notification"
	EventAssistance   EventType = "assistance_request"
)

// Event is a fire-and-forget status ping between agents and the orchestrator.
// The durable backend-to-QA hand-off routes through the assignment store, never
// through events.
type Event struct {
	ID        string         `json:"message_id"`
	Type      EventType      `json:"message_type"`
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient"`
	Content   map[string]any `json:"content"`
	Priority  int            `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
}

// Broadcast is the recipient name that reaches every subscriber.
const Broadcast = "broadcast"

// Issue is the upstream provider's view of an issue, reduced to the fields
// the pipeline consumes.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
	State  string   `json:"state"`
	URL    string   `json:"html_url"`
}

// PullRequest is the upstream provider's view of a pull request.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Base    string `json:"base"`
	Head    string `json:"head"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	URL     string `json:"html_url"`
	Commits int    `json:"commits"`
}

// WorkflowRun is one CI run as reported by the upstream provider.
type WorkflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	HeadBranch string `json:"head_branch"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	URL        string `json:"html_url"`
}

// Completed reports whether the run has finished, regardless of outcome.
func (r WorkflowRun) Completed() bool { return r.Status == "completed" }

// DeployResult is the outcome of the deployment finisher. A successful deploy
// may still carry a Note when routing (DNS/ingress/reload) failed after the
// container came up.
type DeployResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Port    int    `json:"port"`
	Note    string `json:"note,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Classification is the issue classifier's verdict for one issue.
type Classification struct {
	AgentKind  AgentKind `json:"agent_type"`
	Confidence float64   `json:"confidence"`
	Score      float64   `json:"score"`
}

// Ports

// AssignmentStore owns the per-agent priority queues and the per-issue
// tracking records. ClaimNext is the only legal pending to in_progress
// transition; it must be atomic so at most one worker receives a given task.
type AssignmentStore interface {
	Enqueue(ctx Context, t Task, priority float64) error
	ClaimNext(ctx Context, kind AgentKind) (*Task, error)
	Complete(ctx Context, repo string, issue int, summary string) error
	Fail(ctx Context, repo string, issue int, errText string) error
	Peek(ctx Context, kind AgentKind, n int) ([]Task, error)
	QueueDepth(ctx Context, kind AgentKind) (int64, error)
	Status(ctx Context, repo string, issue int) (*TrackingRecord, error)
}

// EventBus publishes and subscribes fire-and-forget events.
type EventBus interface {
	Publish(ctx Context, ev Event) error
	Subscribe(ctx Context, recipients ...string) (<-chan Event, error)
}

// GenRequest is one generation-CLI invocation.
type GenRequest struct {
	Prompt       string
	Dir          string
	AllowedTools []string
	Timeout      time.Duration
}

// GenOutput captures a finished generation-CLI subprocess.
type GenOutput struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// GenRunner wraps the external generation CLI. RunHealing is the public
// entry point every agent routes through; Run is the raw single invocation.
// Diagnose never fails; it returns fallback text instead.
type GenRunner interface {
	Run(ctx Context, req GenRequest) (GenOutput, error)
	RunHealing(ctx Context, req GenRequest) (GenOutput, error)
	Diagnose(ctx Context, dir, subject, failure string) string
}

// RepoPusher syncs a local working copy into the upstream repository.
// The "nothing to commit" case is success without a push. EnsureWorkspace
// prepares the local copy before an agent writes into it.
type RepoPusher interface {
	EnsureWorkspace(ctx Context, workdir, repo string) error
	Push(ctx Context, workdir, repo, branch, message string) error
}

// Deployer is the deployment finisher.
type Deployer interface {
	Deploy(ctx Context, p *Project) DeployResult
}

// GenCallRecord is the interaction-log record for one generation-CLI call.
type GenCallRecord struct {
	Agent         AgentKind
	PromptPreview string
	PromptTokens  int
	Success       bool
	ExitCode      int
	Duration      time.Duration
	OutputLen     int
}

// InteractionLog appends typed records to the per-day JSON-lines files.
// Implementations must never fail the caller; logging is best-effort.
type InteractionLog interface {
	AgentAction(agent AgentKind, action, status string, details map[string]any)
	GenCall(rec GenCallRecord)
	ForgeOp(op, repo, status string, details map[string]any)
	TaskLifecycle(repo string, issue int, event string, agent AgentKind, details map[string]any)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
