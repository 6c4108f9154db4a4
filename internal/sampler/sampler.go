// Package sampler takes consistent point-in-time snapshots of the tracked tasks'
// CPU time, the per-core idle time and the controller's own overhead, and computes
// deltas between them.
package sampler

import (
	"fmt"
	"time"
)

// Source is the OS accounting a Sampler reads from. procstat.Reader implements it.
type Source interface {
	// TaskTimes returns accumulated user and system ticks of pid, or an error
	// wrapping task.ErrTaskGone when pid can no longer be read.
	TaskTimes(pid int) (utime, stime uint64, err error)
	// CoreIdle returns accumulated idle nanoseconds for each cpu, in order.
	CoreIdle(cpus []int) ([]uint64, error)
	// SelfTimes returns the controller's own user+system ticks.
	SelfTimes() (uint64, error)
}

// TaskTime holds one task's accumulated CPU time in clock ticks.
type TaskTime struct {
	PID   int
	UTime uint64
	STime uint64
}

// Snapshot is one consistent read. It is never modified after Take returns it.
type Snapshot struct {
	// Nanoseconds since the first snapshot of the run.
	Elapsed uint64
	Tasks   []TaskTime
	// Idle nanoseconds per core index.
	Idle []uint64
	// Controller user+system ticks.
	Noise uint64
}

// Context carries the state that defines a run's time axis: the zero timestamp and
// the baseline snapshot. It is initialized explicitly by the first Take.
type Context struct {
	start    time.Time
	baseline *Snapshot
	now      func() time.Time
}

func NewContext() *Context {
	return &Context{now: time.Now}
}

// Started reports whether the first snapshot has been taken.
func (c *Context) Started() bool {
	return c.baseline != nil
}

// Baseline returns the first snapshot of the run, or nil before it is taken.
func (c *Context) Baseline() *Snapshot {
	return c.baseline
}

type Sampler struct {
	source Source
	cpus   []int
}

// New returns a Sampler reading idle time for cpus; core index i maps to cpus[i].
func New(source Source, cpus []int) *Sampler {
	return &Sampler{source: source, cpus: append([]int(nil), cpus...)}
}

// NumCores returns the number of cores whose idle time is sampled.
func (s *Sampler) NumCores() int {
	return len(s.cpus)
}

// Take reads a snapshot of pids. If any pid is unreadable the returned error wraps
// task.ErrTaskGone; the caller should stop sampling.
func (s *Sampler) Take(ctx *Context, pids []int) (*Snapshot, error) {
	now := ctx.now()
	if ctx.baseline == nil {
		ctx.start = now
	}

	snap := &Snapshot{
		Elapsed: uint64(now.Sub(ctx.start).Nanoseconds()),
		Tasks:   make([]TaskTime, 0, len(pids)),
	}

	for _, pid := range pids {
		utime, stime, err := s.source.TaskTimes(pid)
		if err != nil {
			return nil, err
		}
		snap.Tasks = append(snap.Tasks, TaskTime{PID: pid, UTime: utime, STime: stime})
	}

	idle, err := s.source.CoreIdle(s.cpus)
	if err != nil {
		return nil, fmt.Errorf("failed to read core idle time: %w", err)
	}
	snap.Idle = idle

	noise, err := s.source.SelfTimes()
	if err != nil {
		return nil, fmt.Errorf("failed to read controller cpu time: %w", err)
	}
	snap.Noise = noise

	if ctx.baseline == nil {
		ctx.baseline = snap
	}
	return snap, nil
}
