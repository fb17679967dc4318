package orchestrator

import (
	"regexp"
	"strings"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// Signal weights for issue classification. Labels are curated by the project
// setup and outrank free-text matches.
const (
	labelWeight = 3.0
	titleWeight = 2.0
	bodyWeight  = 1.0
)

// scoredKinds are the kinds an issue can be routed to, in tie-break order.
var scoredKinds = domain.WorkerKinds()

// labelAgents maps issue labels to the owning agent kind.
var labelAgents = map[string]domain.AgentKind{
	"backend":        domain.AgentBackend,
	"api":            domain.AgentBackend,
	"server":         domain.AgentBackend,
	"authentication": domain.AgentBackend,
	"authorization":  domain.AgentBackend,
	"security":       domain.AgentBackend,
	"endpoint":       domain.AgentBackend,

	"frontend":   domain.AgentFrontend,
	"ui":         domain.AgentFrontend,
	"ux":         domain.AgentFrontend,
	"component":  domain.AgentFrontend,
	"design":     domain.AgentFrontend,
	"css":        domain.AgentFrontend,
	"responsive": domain.AgentFrontend,

	"database":  domain.AgentDatabase,
	"db":        domain.AgentDatabase,
	"schema":    domain.AgentDatabase,
	"migration": domain.AgentDatabase,
	"query":     domain.AgentDatabase,
	"model":     domain.AgentDatabase,

	"devops":         domain.AgentDevOps,
	"deployment":     domain.AgentDevOps,
	"infrastructure": domain.AgentDevOps,
	"ci/cd":          domain.AgentDevOps,
	"docker":         domain.AgentDevOps,
	"kubernetes":     domain.AgentDevOps,
	"monitoring":     domain.AgentDevOps,

	"qa":      domain.AgentQA,
	"testing": domain.AgentQA,
	"test":    domain.AgentQA,
	"bug":     domain.AgentQA,
}

// keywordPatterns score issue title and body text per kind. Compiled at
// package load, so a bad pattern fails startup.
var keywordPatterns = map[domain.AgentKind][]*regexp.Regexp{
	domain.AgentBackend: compilePatterns(
		`api\b`, `endpoint`, `route`, `service`, `backend`,
		`auth(entication|orization)?`, `server`, `rest`, `graphql`,
		`business logic`, `validation`, `middleware`,
	),
	domain.AgentFrontend: compilePatterns(
		`ui\b`, `ux\b`, `component`, `page`, `screen`, `button`,
		`form`, `modal`, `dashboard`, `menu`, `nav`, `layout`,
		`react`, `vue`, `angular`, `frontend`, `responsive`,
	),
	domain.AgentDatabase: compilePatterns(
		`database`, `\bdb\b`, `schema`, `table`, `column`, `index`,
		`migration`, `query`, `model`, `relation`, `foreign key`,
		`postgres`, `mysql`, `sqlite`, `orm`, `alembic`,
	),
	domain.AgentDevOps: compilePatterns(
		`deploy`, `docker`, `kubernetes`, `container`, `ci/cd`,
		`pipeline`, `nginx`, `ssl`, `certificate`, `domain`,
		`server setup`, `infrastructure`, `scaling`, `monitoring`,
	),
	domain.AgentQA: compilePatterns(
		`test(ing)?`, `bug`, `fix`, `broken`, `error`,
		`coverage`, `assertion`, `jest`, `pytest`, `cypress`,
		`regression`, `quality`,
	),
}

func compilePatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// ClassifyIssue scores an issue against every routable agent kind and picks
// the winner. Confidence is the winner's share of the total score; an issue
// with no signal at all lands on the first kind with confidence 0.5.
func ClassifyIssue(issue domain.Issue) domain.Classification {
	scores := make(map[domain.AgentKind]float64, len(scoredKinds))

	for _, label := range issue.Labels {
		if kind, ok := labelAgents[strings.ToLower(label)]; ok {
			scores[kind] += labelWeight
		}
	}
	for kind, patterns := range keywordPatterns {
		for _, p := range patterns {
			if p.MatchString(issue.Title) {
				scores[kind] += titleWeight
			}
			if p.MatchString(issue.Body) {
				scores[kind] += bodyWeight
			}
		}
	}

	best := scoredKinds[0]
	var total float64
	for _, kind := range scoredKinds {
		total += scores[kind]
		if scores[kind] > scores[best] {
			best = kind
		}
	}

	confidence := 0.5
	if total > 0 {
		confidence = scores[best] / total
	}
	return domain.Classification{AgentKind: best, Confidence: confidence, Score: scores[best]}
}

// ClassifyIssues classifies a batch independently, preserving input order.
func ClassifyIssues(issues []domain.Issue) []domain.Classification {
	out := make([]domain.Classification, len(issues))
	for i, issue := range issues {
		out[i] = ClassifyIssue(issue)
	}
	return out
}
