package agent

import (
	"fmt"
	"strings"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// buildPrompt assembles the generation prompt for a producing agent: the
// kind-specific implementation brief, plus test instructions, scoped to the
// issue being worked.
func buildPrompt(agent domain.AgentKind, kind domain.TaskKind, issue *domain.Issue) string {
	var b strings.Builder
	switch kind {
	case domain.TaskFixBug:
		fmt.Fprintf(&b, `You are fixing a bug reported against this project.

Issue #%d: %s

Details:
%s

Tasks:
1. Reproduce the failure described in the issue
2. Find the root cause before changing code
3. Apply the smallest fix that resolves it
4. Add a regression test that fails without the fix
5. Keep unrelated behavior unchanged
`, issue.Number, issue.Title, issue.Body)
	case domain.TaskWriteTests:
		fmt.Fprintf(&b, `You are adding test coverage for this project.

Issue #%d: %s

Details:
%s

%s`, issue.Number, issue.Title, issue.Body, testBrief(agent, issue.Number))
	case domain.TaskRefactor:
		fmt.Fprintf(&b, `You are refactoring existing code in this project.

Issue #%d: %s

Details:
%s

Tasks:
1. Understand the current structure before moving anything
2. Refactor toward the shape the issue describes
3. Keep the public behavior identical
4. Update affected tests rather than deleting them
5. Leave the tree passing its test suite
`, issue.Number, issue.Title, issue.Body)
	default:
		b.WriteString(implementBrief(agent, issue))
		b.WriteString("\n")
		b.WriteString(testBrief(agent, issue.Number))
	}
	return b.String()
}

// implementBrief is the feature-implementation prompt per producing kind.
func implementBrief(agent domain.AgentKind, issue *domain.Issue) string {
	switch agent {
	case domain.AgentFrontend:
		return fmt.Sprintf(`You are implementing a frontend feature for a React application.

Issue #%d: %s

Details:
%s

Tasks:
1. Create React components in src/components/
2. Build page layouts in src/pages/
3. Integrate with backend API (assume API exists)
4. Add proper state management (useState, useContext)
5. Ensure responsive design (mobile, tablet, desktop)
6. Add accessibility features (ARIA labels, keyboard navigation)
7. Use Tailwind CSS for styling
8. Add loading states and error handling

Create production-ready, accessible, and responsive components.
Follow React best practices and hooks patterns.
`, issue.Number, issue.Title, issue.Body)
	case domain.AgentDatabase:
		return fmt.Sprintf(`You are implementing the data layer for this feature.

Issue #%d: %s

Details:
%s

Tasks:
1. Analyze the entities, relationships, and constraints the issue needs
2. Add or extend SQLAlchemy models in src/database/models.py with
   primary keys, created_at/updated_at timestamps, relationships with
   back_populates, and indexes on frequently queried columns
3. Generate an Alembic migration for the schema change
   (alembic revision --autogenerate)
4. Add query helpers in src/database/ for the access patterns involved
5. Keep constraints and unique indexes explicit

Create a production-grade schema change that migrates cleanly.
`, issue.Number, issue.Title, issue.Body)
	default:
		return fmt.Sprintf(`You are implementing a backend feature for a FastAPI application.

Issue #%d: %s

Details:
%s

Tasks:
1. Analyze the requirements
2. Create the necessary API endpoints in src/api/
3. Implement business logic in src/services/
4. Add data models in src/models/
5. Handle validation and errors properly
6. Add proper type hints and docstrings
7. Follow FastAPI best practices

Create a well-structured, production-ready implementation.
Include proper error handling, validation, and documentation.
`, issue.Number, issue.Title, issue.Body)
	}
}

// testBrief is the test-writing portion of the prompt.
func testBrief(agent domain.AgentKind, issueNumber int) string {
	if agent == domain.AgentFrontend {
		return fmt.Sprintf(`Write comprehensive tests for the UI components created for issue #%d.

Create test files in tests/ using React Testing Library:
1. Component rendering tests
2. User interaction tests (clicks, form inputs)
3. API integration tests (mocked)
4. Accessibility tests

Test that components render correctly, interactions work, and error and
loading states display properly.
`, issueNumber)
	}
	return fmt.Sprintf(`Write comprehensive tests for the feature implemented for issue #%d.

Create test files in tests/ directory:
1. Unit tests for all functions
2. Integration tests for API endpoints
3. Test edge cases and error handling
4. Use pytest framework
5. Aim for 90%%+ code coverage

Include positive cases, negative cases (error scenarios), boundary
conditions, and mocks for external dependencies.
`, issueNumber)
}

// reviewBody is the pull-request description for a producing agent's work.
func reviewBody(agent domain.AgentKind, issueNumber int, issueTitle string) string {
	var changes string
	switch agent {
	case domain.AgentFrontend:
		changes = `- Built UI components and page layouts
- Wired client state and API integration
- Added accessibility and responsive behavior
- Added component tests`
	case domain.AgentDatabase:
		changes = `- Added or extended the data models
- Generated the schema migration
- Added query helpers and indexes
- Added data-layer tests`
	default:
		changes = `- Implemented API endpoints
- Added business logic
- Created data models
- Added comprehensive tests
- Proper error handling`
	}
	return fmt.Sprintf(`## Summary
Implements #%d: %s

## Changes
%s

## Testing
- All tests passing

## Checklist
- [x] Code follows project style
- [x] Tests added and passing
- [x] No breaking changes

Closes #%d
`, issueNumber, issueTitle, changes, issueNumber)
}
