package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PortAllocator hands out host ports backed by a JSON file mapping project
// name to port. A missing or corrupt file reads as no allocations.
type PortAllocator struct {
	mu    sync.Mutex
	path  string
	start int
}

// NewPortAllocator reads allocations from path and starts numbering at start.
func NewPortAllocator(path string, start int) *PortAllocator {
	return &PortAllocator{path: path, start: start}
}

// NextFree returns the smallest port >= start absent from the allocation
// file. The port is not reserved until Save is called.
func (a *PortAllocator) NextFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	used := make(map[int]bool)
	for _, p := range a.load() {
		used[p] = true
	}
	port := a.start
	for used[port] {
		port++
	}
	return port
}

// Lookup reports the persisted port for name, if any.
func (a *PortAllocator) Lookup(name string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.load()[name]
	return port, ok
}

// Save records name's port in the allocation file, replacing any previous
// entry for the same name.
func (a *PortAllocator) Save(name string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.load()
	m[name] = port
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	return atomicWrite(a.path, raw, 0o644)
}

// Release drops name from the allocation file. Unknown names are a no-op.
func (a *PortAllocator) Release(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.load()
	if _, ok := m[name]; !ok {
		return nil
	}
	delete(m, name)
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	return atomicWrite(a.path, raw, 0o644)
}

func (a *PortAllocator) load() map[string]int {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		return map[string]int{}
	}
	var m map[string]int
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]int{}
	}
	return m
}

// atomicWrite lands data at path via a temp file and rename so readers never
// observe a partial write.
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
