package ossched

import (
	"fmt"

	"cosched/internal/host"
	"cosched/internal/logging"

	"github.com/sirupsen/logrus"
)

// PriorityGuard brackets the controller's critical section. Raise puts the controller
// above every tracked task; Lower drops it to the lowest real-time priority so that the
// tracked tasks run undisturbed between iterations.
type PriorityGuard struct {
	sched Scheduler
	high  int
	low   int
}

// NewPriorityGuard derives the levels from the host: high is the SCHED_FIFO maximum
// capped by the hard RLIMIT_RTPRIO, low is the SCHED_FIFO minimum.
func NewPriorityGuard(sched Scheduler, hc *host.HostConfig) *PriorityGuard {
	return &PriorityGuard{
		sched: sched,
		high:  hc.ControllerPriority(),
		low:   hc.RT.FIFOMin,
	}
}

func (g *PriorityGuard) Raise() error {
	if err := g.sched.SetFIFO(Self, g.high); err != nil {
		return fmt.Errorf("failed to raise controller priority: %w", err)
	}
	return nil
}

func (g *PriorityGuard) Lower() error {
	if err := g.sched.SetFIFO(Self, g.low); err != nil {
		return fmt.Errorf("failed to lower controller priority: %w", err)
	}
	return nil
}

// Ranker applies task ranks as SCHED_FIFO priorities below the controller's.
type Ranker struct {
	sched Scheduler
	host  *host.HostConfig
}

func NewRanker(sched Scheduler, hc *host.HostConfig) *Ranker {
	return &Ranker{sched: sched, host: hc}
}

// SetRank gives pid the priority for rank; see host.HostConfig.TaskPriority.
func (r *Ranker) SetRank(pid, rank int) error {
	prio := r.host.TaskPriority(rank)
	logging.GetLoopLogger().WithFields(logrus.Fields{
		"pid":      pid,
		"rank":     rank,
		"priority": prio,
	}).Trace("Setting task priority")
	return r.sched.SetFIFO(pid, prio)
}
