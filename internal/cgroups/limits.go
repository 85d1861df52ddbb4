package cgroups

// A unit that cannot be confined still runs. Limits are applied best effort.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Limits holds the resource ceilings of one sandboxed engine run
type Limits struct {
	CPUMax    string // "quota period" or "max"
	MemoryMax int64  // bytes, 0 = unlimited
}

// Empty reports whether no limit is set
func (l Limits) Empty() bool {
	return l.CPUMax == "" && l.MemoryMax == 0
}

// Version returns the cgroup version mounted at root (1 or 2)
func Version(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

func writeCPUMax(dir string, version int, value string) error {
	if value == "" || version != 2 {
		return nil
	}
	return os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(value), 0644)
}

func writeMemoryMax(dir string, version int, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("invalid memory limit: %d", bytes)
	}
	if bytes == 0 {
		return nil
	}
	name := "memory.max"
	if version == 1 {
		name = "memory.limit_in_bytes"
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(strconv.FormatInt(bytes, 10)), 0644)
}
