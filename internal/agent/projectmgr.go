package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/internal/retry"
)

// ProjectManager owns the forge side of a project: repository, branches,
// labels, issues extracted from the PRD, task assignment, and merges. Like
// the product manager it serves direct orchestrator calls only.
type ProjectManager struct {
	forge domain.Forge
	gen   domain.GenRunner
	bus   domain.EventBus
	store domain.AssignmentStore
	now   func() time.Time
}

// NewProjectManager builds the project-manager agent.
func NewProjectManager(d Deps) *ProjectManager {
	return &ProjectManager{
		forge: d.Forge,
		gen:   d.GenFor(domain.AgentProjectManager),
		bus:   d.Bus,
		store: d.Store,
		now:   time.Now,
	}
}

func (a *ProjectManager) Kind() domain.AgentKind { return domain.AgentProjectManager }

func (a *ProjectManager) Capabilities() []string {
	return domain.AgentProjectManager.Capabilities()
}

// Execute rejects queued tasks; the project manager works through direct
// calls from the orchestrator.
func (a *ProjectManager) Execute(ctx domain.Context, task domain.Task) (domain.TaskResult, error) {
	return domain.TaskResult{}, fmt.Errorf("%w: project manager takes direct calls, not %q tasks",
		domain.ErrInvalidArgument, task.Kind)
}

// ProjectSetup reports which setup steps finished for a new repository.
type ProjectSetup struct {
	Repo           string
	RepoURL        string
	StepsCompleted []string
	IssuesCreated  int
}

// SetupCompleteProject provisions a repository end to end: create it, branch
// dev off main, protect main, install the standard label set, open one issue
// per PRD user story, and seed the README. Branch, protection, label, and
// README failures are logged and skipped; repository creation and issue
// creation are fatal.
func (a *ProjectManager) SetupCompleteProject(ctx domain.Context, name, description, projectPath string) (*ProjectSetup, error) {
	log := slog.With(slog.String("agent", string(domain.AgentProjectManager)), slog.String("repo", name))
	setup := &ProjectSetup{Repo: name}

	repo, err := a.createRepository(ctx, name, description)
	if err != nil {
		return nil, fmt.Errorf("create repository %s: %w", name, err)
	}
	setup.RepoURL = repo.URL
	setup.StepsCompleted = append(setup.StepsCompleted, "repository_created")
	a.notify(ctx, "repository_created", map[string]any{"repo_name": name, "url": repo.URL})

	if err := a.forge.CreateBranch(ctx, name, domain.BranchDev, domain.BranchMain); err != nil {
		log.Warn("dev branch creation failed", slog.Any("error", err))
	} else {
		setup.StepsCompleted = append(setup.StepsCompleted, "dev_branch_created")
	}

	if err := a.forge.ProtectBranch(ctx, name, domain.BranchMain, 1); err != nil {
		log.Warn("branch protection failed", slog.Any("error", err))
	} else {
		setup.StepsCompleted = append(setup.StepsCompleted, "branch_protection_set")
	}

	if err := a.forge.CreateLabels(ctx, name, standardLabels()); err != nil {
		log.Warn("label creation failed", slog.Any("error", err))
	} else {
		setup.StepsCompleted = append(setup.StepsCompleted, "labels_created")
	}

	created, err := a.CreateIssuesFromPRD(ctx, name, projectPath)
	if err != nil {
		return nil, fmt.Errorf("create issues from PRD: %w", err)
	}
	setup.IssuesCreated = created
	setup.StepsCompleted = append(setup.StepsCompleted, "issues_created")

	if err := a.seedReadme(ctx, name, description); err != nil {
		log.Warn("README seeding failed", slog.Any("error", err))
	} else {
		setup.StepsCompleted = append(setup.StepsCompleted, "initial_files_created")
	}

	log.Info("project setup complete",
		slog.Int("steps", len(setup.StepsCompleted)), slog.Int("issues", created))
	return setup, nil
}

func (a *ProjectManager) createRepository(ctx domain.Context, name, description string) (*domain.RepoInfo, error) {
	var repo *domain.RepoInfo
	err := retry.OnRateLimit(ctx, "create_repository", func() error {
		var err error
		repo, err = a.forge.CreateRepo(ctx, name, description, false, "Python")
		return err
	})
	if errors.Is(err, domain.ErrConflict) {
		slog.Info("repository already exists, reusing", slog.String("repo", name))
		return a.forge.GetRepo(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func standardLabels() []domain.Label {
	return []domain.Label{
		{Name: "feature", Color: "0052CC", Description: "New feature"},
		{Name: "bug", Color: "D73A4A", Description: "Bug fix"},
		{Name: "enhancement", Color: "84B6EB", Description: "Enhancement"},
		{Name: "backend", Color: "F9D0C4", Description: "Backend work"},
		{Name: "frontend", Color: "C5DEF5", Description: "Frontend work"},
		{Name: "database", Color: "D4C5F9", Description: "Database work"},
		{Name: "high-priority", Color: "FF0000", Description: "High priority"},
		{Name: "medium-priority", Color: "FFA500", Description: "Medium priority"},
		{Name: "low-priority", Color: "00FF00", Description: "Low priority"},
	}
}

// userStory is one story extracted from the PRD.
type userStory struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Priority           string   `json:"priority"`
	StoryPoints        int      `json:"story_points"`
	Labels             []string `json:"labels"`
	Epic               string   `json:"epic"`
}

const extractStoriesPrompt = `Read the PRD and extract all user stories.

For each user story, create a JSON object with:
- title: Brief title for the story
- description: Full story description (As a... I want... So that...)
- acceptance_criteria: List of acceptance criteria
- priority: "high", "medium", or "low"
- story_points: Estimated effort (1, 2, 3, 5, 8, 13)
- labels: List of relevant labels (e.g., ["feature", "backend", "frontend"])
- epic: The feature area this belongs to

Create a file called docs/EXTRACTED_STORIES.json with a JSON array of all stories.

CRITICAL: The output MUST be valid JSON. Use this exact format:
[
  {
    "title": "User Registration",
    "description": "As a resident, I want to register my account...",
    "acceptance_criteria": ["Criterion 1", "Criterion 2"],
    "priority": "high",
    "story_points": 5,
    "labels": ["feature", "backend"],
    "epic": "Resident Management"
  }
]`

// prdExcerptLimit caps how much PRD text rides along in the extraction
// prompt.
const prdExcerptLimit = 10000

// CreateIssuesFromPRD extracts user stories from projectPath/docs/PRD.md and
// opens one issue per story. Extraction that produces nothing usable falls
// back to a default story pair so a fresh project always has work queued.
func (a *ProjectManager) CreateIssuesFromPRD(ctx domain.Context, repo, projectPath string) (int, error) {
	prdPath := filepath.Join(projectPath, "docs", "PRD.md")
	prd, err := os.ReadFile(prdPath)
	if err != nil {
		return 0, fmt.Errorf("read PRD: %w", err)
	}

	stories := a.extractStories(ctx, projectPath, string(prd))
	for _, story := range stories {
		if err := a.createIssueFromStory(ctx, repo, story); err != nil {
			return 0, fmt.Errorf("issue for story %q: %w", story.Title, err)
		}
	}

	slog.Info("issues created from PRD", slog.String("repo", repo), slog.Int("count", len(stories)))
	a.notify(ctx, "issues_created", map[string]any{"repo_name": repo, "count": len(stories)})
	return len(stories), nil
}

func (a *ProjectManager) extractStories(ctx domain.Context, projectPath, prd string) []userStory {
	excerpt := prd
	if len(excerpt) > prdExcerptLimit {
		excerpt = excerpt[:prdExcerptLimit]
	}
	prompt := extractStoriesPrompt + "\n\nHere is the PRD content:\n\n" + excerpt

	if _, err := a.gen.RunHealing(ctx, domain.GenRequest{
		Prompt:       prompt,
		Dir:          projectPath,
		AllowedTools: []string{"Write", "Read"},
	}); err != nil {
		slog.Warn("story extraction failed, using default issues", slog.Any("error", err))
		return defaultStories()
	}

	raw, err := os.ReadFile(filepath.Join(projectPath, "docs", "EXTRACTED_STORIES.json"))
	if err != nil {
		slog.Warn("no extracted stories file, using default issues")
		return defaultStories()
	}
	var stories []userStory
	if err := json.Unmarshal(raw, &stories); err != nil || len(stories) == 0 {
		slog.Warn("extracted stories unusable, using default issues", slog.Any("error", err))
		return defaultStories()
	}
	slog.Info("extracted user stories from PRD", slog.Int("count", len(stories)))
	return stories
}

func defaultStories() []userStory {
	return []userStory{
		{
			Title:       "Set up project structure",
			Description: "Initialize project with proper directory structure, dependencies, and configuration",
			AcceptanceCriteria: []string{
				"Backend structure created",
				"Frontend structure created",
				"Database configured",
			},
			Priority:    "high",
			StoryPoints: 3,
			Labels:      []string{"setup", "infrastructure"},
			Epic:        "Project Setup",
		},
		{
			Title:       "Implement user authentication",
			Description: "As a user, I want to register and login securely",
			AcceptanceCriteria: []string{
				"User can register",
				"User can login",
				"JWT tokens implemented",
				"Password hashing implemented",
			},
			Priority:    "high",
			StoryPoints: 8,
			Labels:      []string{"feature", "backend", "security"},
			Epic:        "User Management",
		},
	}
}

func (a *ProjectManager) createIssueFromStory(ctx domain.Context, repo string, story userStory) error {
	title := story.Title
	if title == "" {
		title = "Untitled Story"
	}
	points := story.StoryPoints
	if points == 0 {
		points = 3
	}
	epic := story.Epic
	if epic == "" {
		epic = "General"
	}
	labels := story.Labels
	if len(labels) == 0 {
		labels = []string{"feature"}
	}

	var b strings.Builder
	b.WriteString("## User Story\n\n")
	b.WriteString(story.Description)
	b.WriteString("\n\n## Acceptance Criteria\n\n")
	for i, criterion := range story.AcceptanceCriteria {
		fmt.Fprintf(&b, "%d. %s\n", i+1, criterion)
	}
	fmt.Fprintf(&b, "\n## Story Points\n\n%d\n", points)
	fmt.Fprintf(&b, "\n## Epic\n\n%s\n", epic)

	return retry.OnRateLimit(ctx, "create_issue", func() error {
		_, err := a.forge.CreateIssue(ctx, repo, title, b.String(), labels)
		return err
	})
}

func (a *ProjectManager) seedReadme(ctx domain.Context, repo, description string) error {
	content := fmt.Sprintf(`# %s

%s

## Overview

This project was automatically generated and is managed by the AI Development Pipeline.

## Getting Started

Instructions coming soon...

## Development

See CONTRIBUTING.md for development guidelines.

## License

MIT License
`, repo, description)

	return a.forge.CreateOrUpdateFile(ctx, repo, "README.md",
		"Update README with project details", content, domain.BranchMain)
}

const assignmentComment = "🤖 **Auto-Assignment**: This issue has been assigned to the **%s Agent** for implementation.\n\n" +
	"The agent will:\n" +
	"1. Create a feature branch\n" +
	"2. Implement the feature\n" +
	"3. Write tests\n" +
	"4. Submit a pull request for review\n\n" +
	"*Assigned automatically by the AI Development Pipeline*"

// AssignIssue queues an implement_feature task for the given agent kind,
// priced by issue number so older issues run first, and announces the
// assignment on the issue itself. The comment is best effort.
func (a *ProjectManager) AssignIssue(ctx domain.Context, repo string, issueNumber int, kind domain.AgentKind, projectPath string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown agent kind %q", domain.ErrInvalidArgument, kind)
	}
	task := domain.Task{
		Kind:        domain.TaskImplementFeature,
		Repo:        repo,
		IssueNumber: issueNumber,
		ProjectPath: projectPath,
		AgentKind:   kind,
		EnqueuedAt:  a.now().Format(time.RFC3339),
	}
	if err := a.store.Enqueue(ctx, task, float64(issueNumber)); err != nil {
		return fmt.Errorf("enqueue issue #%d for %s: %w", issueNumber, kind, err)
	}

	if err := a.forge.Comment(ctx, repo, issueNumber, fmt.Sprintf(assignmentComment, checkTitle(string(kind)))); err != nil {
		slog.Warn("assignment comment failed",
			slog.String("repo", repo), slog.Int("issue", issueNumber), slog.Any("error", err))
	}

	slog.Info("assigned issue",
		slog.String("repo", repo), slog.Int("issue", issueNumber), slog.String("agent", string(kind)))
	return nil
}

// MergePull squash-merges an approved pull request and broadcasts the merge.
func (a *ProjectManager) MergePull(ctx domain.Context, repo string, prNumber int) error {
	err := retry.OnRateLimit(ctx, "merge_pr", func() error {
		return a.forge.MergePull(ctx, repo, prNumber, "squash")
	})
	if err != nil {
		return fmt.Errorf("merge PR #%d: %w", prNumber, err)
	}
	a.notify(ctx, "pr_merged", map[string]any{"repo_name": repo, "pr_number": prNumber})
	return nil
}

func (a *ProjectManager) notify(ctx domain.Context, status string, content map[string]any) {
	if a.bus == nil {
		return
	}
	content["status"] = status
	ev := domain.Event{
		Type:      domain.EventStatusUpdate,
		Sender:    string(domain.AgentProjectManager),
		Recipient: domain.Broadcast,
		Content:   content,
	}
	if err := a.bus.Publish(ctx, ev); err != nil {
		slog.Warn("status event publish failed",
			slog.String("agent", string(domain.AgentProjectManager)), slog.Any("error", err))
	}
}
