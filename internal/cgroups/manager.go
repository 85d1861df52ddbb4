// Package cgroups confines sandboxed engine processes to per-unit control groups.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is where the unified hierarchy is normally mounted
const DefaultRoot = "/sys/fs/cgroup"

// Manager creates, joins and removes per-unit groups under <root>/sweepbatch
type Manager struct {
	root    string
	version int
}

// New creates a manager for the hierarchy mounted at root
func New(root string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	return &Manager{root: root, version: Version(root)}
}

// Version returns the detected cgroup version
func (m *Manager) Version() int {
	return m.version
}

// Create makes the group for unitID. An empty path with a nil error means
// the caller lacks permission and the unit should run unconfined.
func (m *Manager) Create(unitID string) (string, error) {
	if unitID == "" {
		unitID = fmt.Sprintf("unnamed-%d", os.Getpid())
	}
	dir := filepath.Join(m.root, "sweepbatch", unitID)
	if m.version == 1 {
		dir = filepath.Join(m.root, "memory", "sweepbatch", unitID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		if os.IsPermission(err) {
			return "", nil
		}
		return "", err
	}
	return dir, nil
}

// Apply writes limits into a group created by Create
func (m *Manager) Apply(dir string, limits Limits) error {
	if dir == "" || limits.Empty() {
		return nil
	}
	if err := writeCPUMax(dir, m.version, limits.CPUMax); err != nil {
		return fmt.Errorf("cpu.max: %w", err)
	}
	if err := writeMemoryMax(dir, m.version, limits.MemoryMax); err != nil {
		return fmt.Errorf("memory limit: %w", err)
	}
	return nil
}

// Join moves pid into the group
func (m *Manager) Join(dir string, pid int) error {
	if dir == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// Delete removes the group; the kernel refuses while processes remain
func (m *Manager) Delete(dir string) error {
	if dir == "" {
		return nil
	}
	return os.Remove(dir)
}
