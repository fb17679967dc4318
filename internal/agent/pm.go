package agent

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// ProductManager turns raw requirements into planning documents under the
// project's docs/ directory. It serves direct orchestrator calls only and
// never consumes queued tasks.
type ProductManager struct {
	gen domain.GenRunner
	bus domain.EventBus
}

// NewProductManager builds the product-manager agent.
func NewProductManager(d Deps) *ProductManager {
	return &ProductManager{gen: d.GenFor(domain.AgentProductManager), bus: d.Bus}
}

func (a *ProductManager) Kind() domain.AgentKind { return domain.AgentProductManager }

func (a *ProductManager) Capabilities() []string {
	return domain.AgentProductManager.Capabilities()
}

// Execute rejects queued tasks; the product manager works through direct
// calls from the orchestrator.
func (a *ProductManager) Execute(ctx domain.Context, task domain.Task) (domain.TaskResult, error) {
	return domain.TaskResult{}, fmt.Errorf("%w: product manager takes direct calls, not %q tasks",
		domain.ErrInvalidArgument, task.Kind)
}

const prdPrompt = `You are an experienced Product Manager creating a comprehensive Product Requirements Document (PRD).

Project: %s
User Requirements:
%s

Create a detailed PRD in Markdown format and save it as docs/PRD.md

The PRD MUST include these sections:

# 1. PRODUCT OVERVIEW
- Product vision and mission
- Target audience
- Key value proposition
- Product goals and objectives

# 2. USER PERSONAS
- Define 2-3 detailed user personas
- Include demographics, goals, pain points, and behaviors
- Describe their typical use cases

# 3. USER STORIES
- Write comprehensive user stories in format: "As a [user type], I want [goal], so that [benefit]"
- Organize by user persona
- Include acceptance criteria for each story
- Minimum 10-15 user stories covering all major features

# 4. FEATURE REQUIREMENTS
Organize features by priority:

## 4.1 Must-Have Features (MVP)
- List all essential features for launch
- Include detailed description for each
- Specify acceptance criteria

## 4.2 Should-Have Features
- Important but not critical for MVP
- Include detailed descriptions

## 4.3 Nice-to-Have Features
- Desirable features for future iterations
- Brief descriptions

# 5. TECHNICAL REQUIREMENTS
- Technology stack recommendations
- Architecture considerations
- Database requirements
- API specifications (if applicable)
- Third-party integrations
- Performance requirements
- Security requirements
- Scalability considerations

# 6. USER INTERFACE & EXPERIENCE
- Key UI/UX principles for this product
- Main user flows
- Wireframe descriptions for key screens
- Accessibility requirements

# 7. SUCCESS METRICS & KPIs
- Define measurable success metrics
- User engagement KPIs
- Business metrics
- Technical performance metrics
- How success will be measured

# 8. TIMELINE & MILESTONES
- Estimated development phases
- Key milestones
- Suggested sprint breakdown
- Launch timeline

# 9. RISKS & MITIGATION STRATEGIES
- Identify potential risks
- Technical risks
- Business risks
- Mitigation strategies for each

# 10. ASSUMPTIONS & DEPENDENCIES
- Key assumptions made in this PRD
- External dependencies
- Resource requirements

# 11. OPEN QUESTIONS
- List any questions that need clarification
- Areas requiring further research

Make the PRD:
- Comprehensive and detailed
- Professional and well-structured
- Actionable for development teams
- Clear and unambiguous
- Realistic and achievable

First ensure the docs/ directory exists, then create the PRD.md file.`

// CreatePRD writes docs/PRD.md under projectPath from raw requirements and
// returns its path. A call that finishes without the file on disk is a
// generation failure.
func (a *ProductManager) CreatePRD(ctx domain.Context, projectPath, projectName, requirements string) (string, error) {
	if _, err := a.gen.RunHealing(ctx, domain.GenRequest{
		Prompt:       fmt.Sprintf(prdPrompt, projectName, requirements),
		Dir:          projectPath,
		AllowedTools: []string{"Write", "Edit", "Read", "Bash"},
	}); err != nil {
		return "", fmt.Errorf("PRD generation: %w", err)
	}

	prdPath := filepath.Join(projectPath, "docs", "PRD.md")
	if !fileExists(prdPath) {
		return "", fmt.Errorf("%w: PRD file was not created", domain.ErrGenerationFailed)
	}

	slog.Info("PRD created", slog.String("project", projectName), slog.String("path", prdPath))
	a.notify(ctx, "prd_created", map[string]any{"project": projectName, "prd_path": prdPath})
	return prdPath, nil
}

const clarifyPrompt = `Analyze these requirements and identify ambiguities or missing information:

%s

Create a document called docs/CLARIFICATION_QUESTIONS.md with:

1. A list of questions that would help clarify the requirements
2. Specific areas that need more detail
3. Potential assumptions that should be validated
4. Technical decisions that need to be made

Format each question clearly and explain why it's important.`

// ClarifyRequirements writes docs/CLARIFICATION_QUESTIONS.md and returns its
// path.
func (a *ProductManager) ClarifyRequirements(ctx domain.Context, projectPath, requirements string) (string, error) {
	if _, err := a.gen.RunHealing(ctx, domain.GenRequest{
		Prompt:       fmt.Sprintf(clarifyPrompt, requirements),
		Dir:          projectPath,
		AllowedTools: []string{"Write", "Read"},
	}); err != nil {
		return "", fmt.Errorf("clarification generation: %w", err)
	}
	return filepath.Join(projectPath, "docs", "CLARIFICATION_QUESTIONS.md"), nil
}

const userStoriesPrompt = `Read the PRD at %s and create a comprehensive user stories document.

Create docs/USER_STORIES.md with:

1. All user stories from the PRD, expanded and detailed
2. Each story should have:
   - Story title
   - User persona
   - Story description (As a... I want... So that...)
   - Acceptance criteria (clear, testable conditions)
   - Story points estimate (1, 2, 3, 5, 8, 13)
   - Priority (High, Medium, Low)
   - Dependencies (if any)

3. Organize stories by epic/feature area
4. Include a story map showing relationships

Make sure every story is:
- Independent (can be developed separately)
- Valuable (provides clear value to users)
- Estimable (can be estimated)
- Small (can be completed in one sprint)
- Testable (has clear acceptance criteria)`

// CreateUserStories expands the PRD into docs/USER_STORIES.md and returns
// its path.
func (a *ProductManager) CreateUserStories(ctx domain.Context, projectPath, prdPath string) (string, error) {
	if _, err := a.gen.RunHealing(ctx, domain.GenRequest{
		Prompt:       fmt.Sprintf(userStoriesPrompt, prdPath),
		Dir:          projectPath,
		AllowedTools: []string{"Write", "Read"},
	}); err != nil {
		return "", fmt.Errorf("user stories generation: %w", err)
	}
	return filepath.Join(projectPath, "docs", "USER_STORIES.md"), nil
}

const prioritizePrompt = `Analyze and prioritize these features using the MoSCoW method:

%s

Create docs/FEATURE_PRIORITIZATION.md with:

# Must Have (Critical for MVP)
- List features that are absolutely essential
- Explain why each is critical

# Should Have (Important but not critical)
- List features that are important
- Explain the impact if not included

# Could Have (Nice to have)
- List desirable features
- Explain the value they would add

# Won't Have (Not now)
- List features to defer
- Explain why they're being deferred

For each feature, also consider:
- User impact
- Technical complexity
- Dependencies
- Business value
- Risk

Provide a recommended implementation order.`

// PrioritizeFeatures ranks features with MoSCoW into
// docs/FEATURE_PRIORITIZATION.md and returns its path.
func (a *ProductManager) PrioritizeFeatures(ctx domain.Context, projectPath string, features []string) (string, error) {
	var list string
	for _, f := range features {
		list += "- " + f + "\n"
	}
	if _, err := a.gen.RunHealing(ctx, domain.GenRequest{
		Prompt:       fmt.Sprintf(prioritizePrompt, list),
		Dir:          projectPath,
		AllowedTools: []string{"Write", "Read"},
	}); err != nil {
		return "", fmt.Errorf("prioritization generation: %w", err)
	}
	return filepath.Join(projectPath, "docs", "FEATURE_PRIORITIZATION.md"), nil
}

func (a *ProductManager) notify(ctx domain.Context, status string, content map[string]any) {
	if a.bus == nil {
		return
	}
	content["status"] = status
	ev := domain.Event{
		Type:      domain.EventStatusUpdate,
		Sender:    string(domain.AgentProductManager),
		Recipient: domain.Broadcast,
		Content:   content,
	}
	if err := a.bus.Publish(ctx, ev); err != nil {
		slog.Warn("status event publish failed",
			slog.String("agent", string(domain.AgentProductManager)), slog.Any("error", err))
	}
}
