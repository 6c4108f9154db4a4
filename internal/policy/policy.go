// Package policy decides where tracked tasks run and in which priority order.
//
// A Policy places the tasks once at startup and is then asked every iteration whether
// the measured weights justify a new placement. Policies only act through the injected
// allocator and ranker, so a policy that decides not to change anything issues no
// syscalls.
package policy

import (
	"fmt"

	"cosched/internal/config"
	"cosched/internal/cpuallocator"
	"cosched/internal/task"
)

type Policy interface {
	Name() string
	// InitialDistribution places pids and returns the task list the loop keeps for the
	// rest of the run. The list follows the order of pids.
	InitialDistribution(pids []int) ([]task.Task, error)
	// Decide inspects the weights stored in tasks and may move tasks between cores,
	// updating Core in place. It reports whether a new placement was applied.
	Decide(tasks []task.Task) (bool, error)
}

// Ranker applies a task's priority rank. ossched.Ranker implements it.
type Ranker interface {
	SetRank(pid, rank int) error
}

// ChildLister enumerates the threads and child processes of a task. procstat.Reader
// implements it.
type ChildLister interface {
	Children(pid int) ([]int, error)
}

// Deps are the collaborators the policies act through.
type Deps struct {
	Allocator cpuallocator.Allocator
	Ranker    Ranker
	Children  ChildLister
}

// New builds the policy selected by kind.
func New(kind config.SchedulerKind, deps Deps) (Policy, error) {
	switch kind {
	case config.SchedulerTracer:
		return NewTracer(), nil
	case config.SchedulerPinned:
		if err := deps.requireScheduling(); err != nil {
			return nil, err
		}
		return NewPinnedRoundRobin(deps.Allocator, deps.Ranker), nil
	case config.SchedulerDefault:
		if err := deps.requireScheduling(); err != nil {
			return nil, err
		}
		if deps.Children == nil {
			return nil, fmt.Errorf("load balancing needs a child lister")
		}
		return NewLoadBalancing(deps.Allocator, deps.Ranker, deps.Children), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", kind)
	}
}

func (d Deps) requireScheduling() error {
	if d.Allocator == nil {
		return fmt.Errorf("scheduler needs a cpu allocator")
	}
	if d.Ranker == nil {
		return fmt.Errorf("scheduler needs a priority ranker")
	}
	return nil
}

// roundRobin pins pids over cores 0..C-1 in order and gives each rank 1.
func roundRobin(pids []int, alloc cpuallocator.Allocator, ranker Ranker) ([]task.Task, error) {
	ncores := alloc.NumCores()
	tasks := make([]task.Task, 0, len(pids))
	for i, pid := range pids {
		core := i % ncores
		if err := alloc.Pin(pid, core); err != nil {
			return nil, err
		}
		if err := ranker.SetRank(pid, 1); err != nil {
			return nil, fmt.Errorf("failed to set initial priority of pid %d: %w", pid, err)
		}
		tasks = append(tasks, task.Task{PID: pid, Core: core})
	}
	return tasks, nil
}
