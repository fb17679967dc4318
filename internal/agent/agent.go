// Package agent implements the pipeline roles: the producing agents that
// turn issues into pull requests, the QA agent that reviews them, and the
// product-, project-, and devops-manager agents the orchestrator drives
// directly. A compile-time registry maps each kind to its implementation.
package agent

import (
	"fmt"

	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// Agent is one pipeline role. Execute performs a queued task end to end.
// Kinds that act only through direct orchestrator calls reject queued tasks
// with ErrInvalidArgument.
type Agent interface {
	Kind() domain.AgentKind
	Capabilities() []string
	Execute(ctx domain.Context, task domain.Task) (domain.TaskResult, error)
}

// Deps are the shared collaborators agents are built from. GenFor returns a
// generation runner tagged with the given kind so interaction logs and
// metrics attribute CLI calls to the right agent.
type Deps struct {
	Forge  domain.Forge
	GenFor func(kind domain.AgentKind) domain.GenRunner
	Pusher domain.RepoPusher
	Bus    domain.EventBus
	Store  domain.AssignmentStore
	Cfg    config.Config
}

// Registry holds one constructed agent per kind. Built once at startup,
// read-only afterwards.
type Registry struct {
	byKind map[domain.AgentKind]Agent
	pm     *ProductManager
	pjm    *ProjectManager
	qa     *QA
}

// NewRegistry constructs every agent kind.
func NewRegistry(d Deps) *Registry {
	pm := NewProductManager(d)
	pjm := NewProjectManager(d)
	qa := NewQA(d)
	agents := []Agent{
		pm,
		pjm,
		NewProducing(domain.AgentBackend, d),
		NewProducing(domain.AgentFrontend, d),
		NewProducing(domain.AgentDatabase, d),
		NewDevOps(d),
		qa,
	}
	byKind := make(map[domain.AgentKind]Agent, len(agents))
	for _, a := range agents {
		byKind[a.Kind()] = a
	}
	return &Registry{byKind: byKind, pm: pm, pjm: pjm, qa: qa}
}

// Get returns the agent registered for kind.
func (r *Registry) Get(kind domain.AgentKind) (Agent, bool) {
	a, ok := r.byKind[kind]
	return a, ok
}

// Execute dispatches the task to its assigned agent.
func (r *Registry) Execute(ctx domain.Context, task domain.Task) (domain.TaskResult, error) {
	a, ok := r.byKind[task.AgentKind]
	if !ok {
		return domain.TaskResult{}, fmt.Errorf("%w: no agent of kind %q", domain.ErrInvalidArgument, task.AgentKind)
	}
	return a.Execute(ctx, task)
}

// ProductManager exposes the concrete product-manager agent for the direct
// calls the orchestrator makes outside the task queue.
func (r *Registry) ProductManager() *ProductManager { return r.pm }

// ProjectManager exposes the concrete project-manager agent for direct calls.
func (r *Registry) ProjectManager() *ProjectManager { return r.pjm }

// QA exposes the concrete QA agent for direct test runs.
func (r *Registry) QA() *QA { return r.qa }
