//go:build linux

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ojjudge/internal/judge/sandbox/spec"
)

// runCgroup is a per-run cgroup v2 leaf.
type runCgroup struct {
	path string
}

func createRunCgroup(root string) (*runCgroup, error) {
	if root == "" {
		return nil, fmt.Errorf("cgroup root is required")
	}
	path := filepath.Join(root, "run-"+uuid.NewString())
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create cgroup path: %w", err)
	}
	return &runCgroup{path: path}, nil
}

func (c *runCgroup) apply(limits spec.Limits) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := c.write("pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		bytes := strconv.FormatInt(limits.MemoryMB*1024*1024, 10)
		if err := c.write("memory.max", bytes); err != nil {
			return err
		}
		// Swapping would hide usage from memory.current.
		_ = c.write("memory.swap.max", "0")
	}
	return nil
}

func (c *runCgroup) addProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

func (c *runCgroup) kill() error {
	return c.write("cgroup.kill", "1")
}

func (c *runCgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func (c *runCgroup) currentKB() (int64, bool) {
	v, err := readCgroupInt(c.path, "memory.current")
	if err != nil {
		return 0, false
	}
	return v / 1024, true
}

func (c *runCgroup) peakKB() int64 {
	v, err := readCgroupInt(c.path, "memory.peak")
	if err != nil {
		return 0
	}
	return v / 1024
}

func (c *runCgroup) remove() {
	_ = c.kill()
	_ = os.Remove(c.path)
}

func (c *runCgroup) write(name, value string) error {
	return os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640)
}

func readCgroupInt(dir, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
