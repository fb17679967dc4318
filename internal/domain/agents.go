package domain

// AgentKind is one of the fixed pipeline roles.
type AgentKind string

const (
	AgentProductManager AgentKind = "product_manager"
	AgentProjectManager AgentKind = "project_manager"
	AgentBackend        AgentKind = "backend"
	AgentFrontend       AgentKind = "frontend"
	AgentDatabase       AgentKind = "database"
	AgentDevOps         AgentKind = "devops"
	AgentQA             AgentKind = "qa"
)

// AllAgentKinds returns every kind in a fixed order. The order is load
// bearing: the issue classifier breaks ties by it.
func AllAgentKinds() []AgentKind {
	return []AgentKind{
		AgentProductManager,
		AgentProjectManager,
		AgentBackend,
		AgentFrontend,
		AgentDatabase,
		AgentDevOps,
		AgentQA,
	}
}

// WorkerKinds are the kinds that consume queued tasks. Product and project
// managers act only through direct orchestrator calls.
func WorkerKinds() []AgentKind {
	return []AgentKind{AgentBackend, AgentFrontend, AgentDatabase, AgentDevOps, AgentQA}
}

// ProducingKinds are the kinds whose completed work chains into a QA review.
func ProducingKinds() []AgentKind {
	return []AgentKind{AgentBackend, AgentFrontend}
}

// Valid reports whether k is a known agent kind.
func (k AgentKind) Valid() bool {
	for _, known := range AllAgentKinds() {
		if k == known {
			return true
		}
	}
	return false
}

var agentCapabilities = map[AgentKind][]string{
	AgentProductManager: {
		"Create PRD",
		"Define user stories",
		"Prioritize features",
		"Clarify requirements",
	},
	AgentProjectManager: {
		"Create repository",
		"Create issues",
		"Manage sprints",
		"Merge pull requests",
		"Track progress",
	},
	AgentBackend: {
		"Implement APIs",
		"Write server-side logic",
		"Create database models",
		"Write tests",
		"Create feature branches",
		"Submit pull requests",
	},
	AgentFrontend: {
		"Build UI components",
		"Implement client logic",
		"Write tests",
		"Create feature branches",
		"Submit pull requests",
	},
	AgentDatabase: {
		"Design schemas",
		"Create migrations",
		"Optimize queries",
		"Manage backups",
	},
	AgentDevOps: {
		"Set up CI/CD",
		"Configure deployments",
		"Manage infrastructure",
		"Monitor systems",
	},
	AgentQA: {
		"Run automated tests",
		"Validate PRs",
		"Report bugs",
		"Approve deployments",
	},
}

// Capabilities describes what an agent kind can do. Consumed by
// introspection only.
func (k AgentKind) Capabilities() []string {
	return agentCapabilities[k]
}

var agentTools = map[AgentKind][]string{
	AgentProductManager: {"Write", "Read"},
	AgentProjectManager: {"Write", "Read", "Bash"},
	AgentBackend:        {"Write", "Edit", "Bash", "Read"},
	AgentFrontend:       {"Write", "Edit", "Bash", "Read"},
	AgentDatabase:       {"Write", "Edit", "Bash", "Read"},
	AgentDevOps:         {"Write", "Edit", "Bash", "Read"},
	AgentQA:             {"Read", "Bash"},
}

// AllowedTools is the tool set passed verbatim to the generation CLI for
// work performed on behalf of this agent kind.
func (k AgentKind) AllowedTools() []string {
	return agentTools[k]
}

// BranchPrefix maps a task kind to the branch naming scheme used by the
// producing agents, e.g. fix/issue-42.
func BranchPrefix(kind TaskKind) string {
	switch kind {
	case TaskFixBug:
		return "fix"
	case TaskWriteTests:
		return "tests"
	case TaskRefactor:
		return "refactor"
	default:
		return "feature"
	}
}

// Branch names used across the pipeline.
const (
	BranchMain = "main"
	BranchDev  = "dev"
)
