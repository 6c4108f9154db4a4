// Package collectors gathers optional per-task hardware and scheduler event counts
// alongside the CPU time the sampler reads.
package collectors

import (
	"cosched/internal/logging"

	"github.com/sirupsen/logrus"
)

// Source yields counter deltas for one task. PerfCollector implements it.
type Source interface {
	Collect() *Counters
	Close()
}

// Opener creates the Source for a pid.
type Opener func(pid int) (Source, error)

// OpenPerf is the default Opener.
func OpenPerf(pid int) (Source, error) {
	return NewPerfCollector(pid)
}

// TaskCollectors holds one Source per tracked task and accumulates their totals. Tasks
// whose counters cannot be opened are tracked without them.
type TaskCollectors struct {
	sources map[int]Source
	totals  map[int]*Totals
}

// Totals are the summed counters of one task over the whole run.
type Totals struct {
	ContextSwitches uint64 `json:"context_switches"`
	CPUMigrations   uint64 `json:"cpu_migrations"`
	TaskClockNS     uint64 `json:"task_clock_ns"`
	Instructions    uint64 `json:"instructions"`
	Cycles          uint64 `json:"cycles"`
}

func NewTaskCollectors(pids []int, open Opener) *TaskCollectors {
	logger := logging.GetLogger()
	if open == nil {
		open = OpenPerf
	}

	tc := &TaskCollectors{
		sources: make(map[int]Source, len(pids)),
		totals:  make(map[int]*Totals, len(pids)),
	}
	for _, pid := range pids {
		tc.totals[pid] = &Totals{}
		src, err := open(pid)
		if err != nil {
			logger.WithField("pid", pid).WithError(err).Warn("Failed to enable perf monitoring, continuing without perf metrics")
			continue
		}
		tc.sources[pid] = src
	}
	return tc
}

// Collect reads every task's counters and adds them to the totals. The returned map
// only contains tasks that produced data this interval.
func (tc *TaskCollectors) Collect() map[int]*Counters {
	out := make(map[int]*Counters, len(tc.sources))
	for pid, src := range tc.sources {
		c := src.Collect()
		if c == nil {
			continue
		}
		out[pid] = c
		tc.totals[pid].add(c)
	}

	if logger := logging.GetLoopLogger(); logger.IsLevelEnabled(logrus.DebugLevel) {
		for pid, c := range out {
			logger.WithFields(c.fields()).WithField("pid", pid).Debug("Perf counters")
		}
	}
	return out
}

// Totals returns the accumulated counters per pid.
func (tc *TaskCollectors) Totals() map[int]Totals {
	out := make(map[int]Totals, len(tc.totals))
	for pid, t := range tc.totals {
		out[pid] = *t
	}
	return out
}

func (tc *TaskCollectors) Close() {
	for pid, src := range tc.sources {
		src.Close()
		delete(tc.sources, pid)
	}
}

func (t *Totals) add(c *Counters) {
	add := func(dst *uint64, v *uint64) {
		if v != nil {
			*dst += *v
		}
	}
	add(&t.ContextSwitches, c.ContextSwitches)
	add(&t.CPUMigrations, c.CPUMigrations)
	add(&t.TaskClockNS, c.TaskClockNS)
	add(&t.Instructions, c.Instructions)
	add(&t.Cycles, c.Cycles)
}

func (c *Counters) fields() logrus.Fields {
	fields := logrus.Fields{}
	set := func(key string, v *uint64) {
		if v != nil {
			fields[key] = *v
		}
	}
	set("context_switches", c.ContextSwitches)
	set("cpu_migrations", c.CPUMigrations)
	set("task_clock_ns", c.TaskClockNS)
	set("instructions", c.Instructions)
	set("cycles", c.Cycles)
	if c.InstructionsPerCycle != nil {
		fields["ipc"] = *c.InstructionsPerCycle
	}
	return fields
}
