package policy

import (
	"fmt"
	"sort"

	"cosched/internal/cpuallocator"
	"cosched/internal/logging"
	"cosched/internal/ossched"
	"cosched/internal/task"

	"github.com/sirupsen/logrus"
)

// A candidate placement must beat the current makespan by more than this factor,
// expressed in percent: candidate*hysteresisPercent < current*100.
const hysteresisPercent = 105

// LoadBalancing starts like PinnedRoundRobin and rebalances whenever a greedy placement
// by ascending weight shortens the makespan by more than the hysteresis margin.
type LoadBalancing struct {
	alloc    cpuallocator.Allocator
	ranker   Ranker
	lister   ChildLister
	children map[int][]int
}

func NewLoadBalancing(alloc cpuallocator.Allocator, ranker Ranker, lister ChildLister) *LoadBalancing {
	return &LoadBalancing{
		alloc:    alloc,
		ranker:   ranker,
		lister:   lister,
		children: make(map[int][]int),
	}
}

func (*LoadBalancing) Name() string { return "load-balancing" }

// InitialDistribution records the threads and children of every pid, then places the
// pids round-robin. The recorded sets are never refreshed.
func (lb *LoadBalancing) InitialDistribution(pids []int) ([]task.Task, error) {
	logger := logging.GetLoopLogger()

	for _, pid := range pids {
		kids, err := lb.lister.Children(pid)
		if err != nil {
			return nil, fmt.Errorf("failed to discover children of pid %d: %w", pid, err)
		}
		lb.children[pid] = kids
		logger.WithFields(logrus.Fields{
			"pid":      pid,
			"children": kids,
		}).Debug("Recorded child set")
	}

	tasks, err := roundRobin(pids, lb.alloc, lb.ranker)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"policy": lb.Name(),
		"tasks":  len(tasks),
		"cores":  task.Cores(tasks),
	}).Info("Initial distribution")
	return tasks, nil
}

func (lb *LoadBalancing) Decide(tasks []task.Task) (bool, error) {
	plan := Plan(tasks, lb.alloc.NumCores())

	logger := logging.GetLoopLogger().WithFields(logrus.Fields{
		"current_makespan":   plan.CurrentMakespan,
		"candidate_makespan": plan.CandidateMakespan,
	})
	if !plan.Apply {
		logger.Trace("Keeping current placement")
		return false, nil
	}

	for i := range tasks {
		if err := lb.alloc.Pin(tasks[i].PID, plan.Cores[i]); err != nil {
			return false, err
		}
		tasks[i].Core = plan.Cores[i]
	}

	ranks := Ranks(tasks)
	for i, t := range tasks {
		if err := lb.ranker.SetRank(t.PID, ranks[i]); err != nil {
			return false, fmt.Errorf("invariant violated: priority rank %d rejected for pid %d: %w", ranks[i], t.PID, err)
		}
		for _, child := range lb.children[t.PID] {
			if child == t.PID {
				continue
			}
			if err := lb.ranker.SetRank(child, ranks[i]); err != nil {
				if ossched.IsGone(err) {
					// exited since discovery
					continue
				}
				return false, fmt.Errorf("invariant violated: priority rank %d rejected for child %d of pid %d: %w", ranks[i], child, t.PID, err)
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"cores": plan.Cores,
		"ranks": ranks,
	}).Info("Applied new placement")
	return true, nil
}

// Placement is the outcome of Plan.
type Placement struct {
	// Cores holds the candidate core of each task, in task list order.
	Cores             []int
	CurrentMakespan   uint64
	CandidateMakespan uint64
	// Apply is set when the candidate beats the current makespan by the hysteresis margin.
	Apply bool
}

// Plan computes the greedy candidate for tasks over ncores cores without side effects.
// Tasks are taken in ascending weight order (stable on list order) and each goes to
// the core with the least candidate load so far, ties resolved to the lowest index.
func Plan(tasks []task.Task, ncores int) Placement {
	current := task.Makespan(task.Load(tasks, ncores))

	order := make([]int, len(tasks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return tasks[order[a]].Weight < tasks[order[b]].Weight
	})

	load := make([]uint64, ncores)
	cores := make([]int, len(tasks))
	for _, i := range order {
		target := 0
		for c := 1; c < ncores; c++ {
			if load[c] < load[target] {
				target = c
			}
		}
		cores[i] = target
		load[target] += tasks[i].Weight
	}
	candidate := task.Makespan(load)

	return Placement{
		Cores:             cores,
		CurrentMakespan:   current,
		CandidateMakespan: candidate,
		Apply:             candidate*hysteresisPercent < current*100,
	}
}

// Ranks numbers the tasks on each core by ascending weight, starting at 1. Equal
// weights keep list order.
func Ranks(tasks []task.Task) []int {
	order := make([]int, len(tasks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return tasks[order[a]].Weight < tasks[order[b]].Weight
	})
	sort.SliceStable(order, func(a, b int) bool {
		return tasks[order[a]].Core < tasks[order[b]].Core
	})

	ranks := make([]int, len(tasks))
	rank := 0
	for pos, i := range order {
		if pos == 0 || tasks[order[pos-1]].Core != tasks[i].Core {
			rank = 0
		}
		rank++
		ranks[i] = rank
	}
	return ranks
}
