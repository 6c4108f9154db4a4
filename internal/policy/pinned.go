package policy

import (
	"cosched/internal/cpuallocator"
	"cosched/internal/logging"
	"cosched/internal/task"

	"github.com/sirupsen/logrus"
)

// PinnedRoundRobin spreads tasks over the cores once and leaves them there.
type PinnedRoundRobin struct {
	alloc  cpuallocator.Allocator
	ranker Ranker
}

func NewPinnedRoundRobin(alloc cpuallocator.Allocator, ranker Ranker) *PinnedRoundRobin {
	return &PinnedRoundRobin{alloc: alloc, ranker: ranker}
}

func (*PinnedRoundRobin) Name() string { return "pinned-round-robin" }

func (p *PinnedRoundRobin) InitialDistribution(pids []int) ([]task.Task, error) {
	tasks, err := roundRobin(pids, p.alloc, p.ranker)
	if err != nil {
		return nil, err
	}
	logging.GetLoopLogger().WithFields(logrus.Fields{
		"policy": p.Name(),
		"tasks":  len(tasks),
		"cores":  task.Cores(tasks),
	}).Info("Initial distribution")
	return tasks, nil
}

func (*PinnedRoundRobin) Decide([]task.Task) (bool, error) {
	return false, nil
}
