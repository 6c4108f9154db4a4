// Package procstat reads the OS accounting the sampler and policies depend on:
// per-process CPU time, per-core idle time and process/thread relationships.
package procstat

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cosched/internal/task"

	"github.com/prometheus/procfs"
)

// procfs reports CPU times in seconds computed with a fixed USER_HZ of 100.
const procfsUserHZ = 100

type Reader struct {
	fs        procfs.FS
	mount     string
	clockTick uint64
}

// NewReader opens the proc filesystem at mount (procfs.DefaultMountPoint when empty).
// clockTick is the OS tick rate used to convert idle ticks to nanoseconds.
func NewReader(mount string, clockTick uint64) (*Reader, error) {
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	if clockTick == 0 {
		return nil, fmt.Errorf("clock tick must be positive")
	}
	pfs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, fmt.Errorf("failed to open proc filesystem at %s: %w", mount, err)
	}
	return &Reader{fs: pfs, mount: mount, clockTick: clockTick}, nil
}

// TaskTimes returns the accumulated user and system time of pid in clock ticks.
// An unreadable pid yields task.ErrTaskGone.
func (r *Reader) TaskTimes(pid int) (uint64, uint64, error) {
	p, err := r.fs.Proc(pid)
	if err != nil {
		return 0, 0, fmt.Errorf("pid %d: %w", pid, task.ErrTaskGone)
	}
	st, err := p.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("pid %d: %w", pid, task.ErrTaskGone)
	}
	return uint64(st.UTime), uint64(st.STime), nil
}

// SelfTimes returns the controller's own user+system time in clock ticks.
func (r *Reader) SelfTimes() (uint64, error) {
	p, err := r.fs.Self()
	if err != nil {
		return 0, fmt.Errorf("failed to open own proc entry: %w", err)
	}
	st, err := p.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to read own stat: %w", err)
	}
	return uint64(st.UTime) + uint64(st.STime), nil
}

// CoreIdle returns the accumulated idle time, in nanoseconds, of each cpu in cpus.
func (r *Reader) CoreIdle(cpus []int) ([]uint64, error) {
	st, err := r.fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to read kernel stat: %w", err)
	}
	out := make([]uint64, len(cpus))
	for i, cpu := range cpus {
		cs, ok := st.CPU[int64(cpu)]
		if !ok {
			return nil, fmt.Errorf("cpu %d missing from kernel stat", cpu)
		}
		ticks := uint64(math.Round(cs.Idle * procfsUserHZ))
		out[i] = TicksToNanos(ticks, r.clockTick)
	}
	return out, nil
}

// TicksToNanos converts clock ticks to nanoseconds at the given tick rate.
func TicksToNanos(ticks, clockTick uint64) uint64 {
	const nsPerSec = 1000 * 1000 * 1000
	return ticks/clockTick*nsPerSec + ticks%clockTick*nsPerSec/clockTick
}

// Threads lists the thread ids of pid, sorted.
func (r *Reader) Threads(pid int) ([]int, error) {
	threads, err := r.fs.AllThreads(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads of %d: %w", pid, err)
	}
	out := make([]int, 0, len(threads))
	for _, th := range threads {
		out = append(out, th.PID)
	}
	sort.Ints(out)
	return out, nil
}

// Children enumerates the sub-tasks of pid one level deep: every thread of pid and
// every child process listed by any of those threads. A vanished pid yields an empty set.
func (r *Reader) Children(pid int) ([]int, error) {
	if _, err := os.Stat(filepath.Join(r.mount, strconv.Itoa(pid))); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	threads, err := r.fs.AllThreads(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads of %d: %w", pid, err)
	}

	seen := make(map[int]bool)
	for _, th := range threads {
		seen[th.PID] = true

		path := filepath.Join(r.mount, strconv.Itoa(pid), "task", strconv.Itoa(th.PID), "children")
		data, err := os.ReadFile(path)
		if err != nil {
			// thread exited between listing and reading
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			child, err := strconv.Atoi(field)
			if err != nil || child <= 0 {
				continue
			}
			seen[child] = true
		}
	}

	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}
