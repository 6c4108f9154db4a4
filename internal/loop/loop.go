// Package loop runs the leader's measure-decide-act cycle.
//
// Each iteration raises the controller's priority, takes a snapshot, records it, lets
// the policy decide on the weights measured since the previous snapshot, drops the
// priority again and sleeps. The cycle ends when a tracked task can no longer be read.
package loop

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"cosched/internal/collectors"
	"cosched/internal/logging"
	"cosched/internal/policy"
	"cosched/internal/sampler"
	"cosched/internal/task"

	"github.com/sirupsen/logrus"
)

// Snapshotter takes snapshots; sampler.Sampler implements it.
type Snapshotter interface {
	Take(ctx *sampler.Context, pids []int) (*sampler.Snapshot, error)
}

// Guard brackets the critical section; ossched.PriorityGuard implements it.
type Guard interface {
	Raise() error
	Lower() error
}

// Recorder keeps every snapshot; trace.Recorder implements it.
type Recorder interface {
	Add(snap *sampler.Snapshot, tasks []task.Task)
}

// CounterSource yields optional per-task counters each iteration.
type CounterSource interface {
	Collect() map[int]*collectors.Counters
}

type Options struct {
	Policy   policy.Policy
	Sampler  Snapshotter
	Recorder Recorder
	// Guard may be nil, in which case the controller's priority is left alone.
	Guard Guard
	// Counters may be nil.
	Counters CounterSource
	// PinSelf pins the controller before anything else happens. May be nil.
	PinSelf func() error

	// Stop ends the loop gracefully before the next iteration once closed. May be nil.
	Stop <-chan struct{}

	// Settle is slept after pinning and before the initial distribution.
	Settle   time.Duration
	Interval time.Duration

	sleep func(time.Duration)
}

// Result describes how far the loop got. It is returned together with any error so
// that the caller can still report a failed run.
type Result struct {
	Tasks      []task.Task
	Iterations int
	Rebalances int
	Started    time.Time
	Finished   time.Time
	// Gone is the error that ended the run gracefully, wrapping task.ErrTaskGone.
	Gone error
	// Stopped is set when the loop ended because Stop was closed.
	Stopped bool
}

// Run executes the control loop for pids. It returns normally once a tracked task is
// gone; any other failure is returned as an error.
func Run(opts Options, pids []int) (*Result, error) {
	logger := logging.GetLoopLogger()
	if opts.sleep == nil {
		opts.sleep = time.Sleep
	}

	// Priority and affinity calls on pid 0 act on the calling thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	res := &Result{Started: time.Now()}
	defer func() { res.Finished = time.Now() }()

	if opts.PinSelf != nil {
		if err := opts.PinSelf(); err != nil {
			return res, fmt.Errorf("failed to pin controller: %w", err)
		}
	}
	opts.sleep(opts.Settle)

	tasks, err := opts.Policy.InitialDistribution(pids)
	if err != nil {
		return res, fmt.Errorf("initial distribution failed: %w", err)
	}
	res.Tasks = tasks
	taskPIDs := task.PIDs(tasks)

	logger.WithFields(logrus.Fields{
		"policy":   opts.Policy.Name(),
		"tasks":    len(tasks),
		"interval": opts.Interval,
	}).Info("Control loop started")

	sctx := sampler.NewContext()
	var last *sampler.Snapshot

	// Every exit leaves the controller at the low priority, whatever ended the loop.
	raised := false
	defer func() {
		if !raised {
			return
		}
		if err := opts.Guard.Lower(); err != nil {
			logger.WithError(err).Error("Failed to lower controller priority on exit")
		}
	}()

cycle:
	for {
		select {
		case <-opts.Stop:
			res.Stopped = true
			logger.Info("Stop requested")
			break cycle
		default:
		}

		if opts.Guard != nil {
			if err := opts.Guard.Raise(); err != nil {
				return res, err
			}
			raised = true
		}

		snap, err := opts.Sampler.Take(sctx, taskPIDs)
		if err != nil {
			if errors.Is(err, task.ErrTaskGone) {
				res.Gone = err
				logger.WithError(err).Info("Tracked task exited, stopping")
				break cycle
			}
			return res, fmt.Errorf("snapshot failed: %w", err)
		}
		res.Iterations++
		opts.Recorder.Add(snap, tasks)

		if last != nil {
			delta := sampler.Diff(last, snap)
			for i := range tasks {
				tasks[i].Weight = delta.Weight(i)
			}
			changed, err := opts.Policy.Decide(tasks)
			if err != nil {
				return res, err
			}
			if changed {
				res.Rebalances++
			}
		}
		last = snap

		if opts.Counters != nil {
			opts.Counters.Collect()
		}

		if opts.Guard != nil {
			if err := opts.Guard.Lower(); err != nil {
				return res, err
			}
			raised = false
		}
		opts.sleep(opts.Interval)
	}

	logger.WithFields(logrus.Fields{
		"iterations": res.Iterations,
		"rebalances": res.Rebalances,
	}).Info("Control loop finished")
	return res, nil
}
