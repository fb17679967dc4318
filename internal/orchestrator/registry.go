package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// Registry tracks every project under the workspace directory and which one
// is active. Each project persists as a metadata file inside its own
// directory, so the registry survives restarts by rescanning the workspace.
type Registry struct {
	workspace string

	mu       sync.RWMutex
	projects map[string]*domain.Project
	active   string
}

func NewRegistry(workspace string) *Registry {
	return &Registry{
		workspace: workspace,
		projects:  make(map[string]*domain.Project),
	}
}

// Restore rescans the workspace for project metadata files and reloads them.
// The project whose metadata was written most recently becomes active.
// Corrupt metadata is skipped, not fatal, so one broken project cannot take
// the rest down.
func (r *Registry) Restore() (int, error) {
	entries, err := os.ReadDir(r.workspace)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read workspace %s: %w", r.workspace, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		loaded     int
		newestName string
		newestAt   time.Time
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(r.workspace, entry.Name(), domain.MetadataFile)
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var p domain.Project
		if err := json.Unmarshal(data, &p); err != nil {
			slog.Error("project metadata corrupt, skipping",
				slog.String("path", metaPath),
				slog.String("error", err.Error()))
			continue
		}
		if p.Name == "" {
			p.Name = entry.Name()
		}
		if p.Path == "" {
			p.Path = filepath.Join(r.workspace, entry.Name())
		}
		r.projects[p.Name] = &p
		loaded++

		if info, err := os.Stat(metaPath); err == nil {
			if newestName == "" || info.ModTime().After(newestAt) {
				newestName = p.Name
				newestAt = info.ModTime()
			}
		}
	}
	if newestName != "" {
		r.active = newestName
	}
	return loaded, nil
}

// Add registers a new project, persists its metadata, and makes it active.
func (r *Registry) Add(p domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[p.Name]; exists {
		return fmt.Errorf("%w: project %s already exists", domain.ErrConflict, p.Name)
	}
	if err := r.persist(&p); err != nil {
		return err
	}
	r.projects[p.Name] = &p
	r.active = p.Name
	return nil
}

// Get returns a copy of the named project.
func (r *Registry) Get(name string) (domain.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[name]
	if !ok {
		return domain.Project{}, false
	}
	return *p, true
}

// Active returns a copy of the active project, if any.
func (r *Registry) Active() (domain.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[r.active]
	if !ok {
		return domain.Project{}, false
	}
	return *p, true
}

func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[name]; !ok {
		return fmt.Errorf("%w: project %s", domain.ErrNotFound, name)
	}
	r.active = name
	return nil
}

// List returns copies of all projects, oldest first.
func (r *Registry) List() []domain.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Update mutates the named project under the registry lock and persists the
// result. The mutation function sees the live record, so partial edits are
// never visible to readers.
func (r *Registry) Update(name string, fn func(*domain.Project)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[name]
	if !ok {
		return fmt.Errorf("%w: project %s", domain.ErrNotFound, name)
	}
	fn(p)
	return r.persist(p)
}

// Delete forgets the project and removes its metadata file. The working tree
// itself stays on disk.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[name]
	if !ok {
		return fmt.Errorf("%w: project %s", domain.ErrNotFound, name)
	}
	if err := os.Remove(filepath.Join(p.Path, domain.MetadataFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata for %s: %w", name, err)
	}
	delete(r.projects, name)
	if r.active == name {
		r.active = ""
	}
	return nil
}

// persist writes the project's metadata file. Callers hold r.mu.
func (r *Registry) persist(p *domain.Project) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", p.Name, err)
	}
	if err := os.MkdirAll(p.Path, 0o755); err != nil {
		return fmt.Errorf("create project dir %s: %w", p.Path, err)
	}
	if err := atomicWrite(filepath.Join(p.Path, domain.MetadataFile), data, 0o644); err != nil {
		return fmt.Errorf("write metadata for %s: %w", p.Name, err)
	}
	return nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
