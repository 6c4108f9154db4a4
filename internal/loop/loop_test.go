package loop

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"cosched/internal/sampler"
	"cosched/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSampler struct {
	snaps []*sampler.Snapshot
	err   error
	calls int
}

func (s *scriptedSampler) Take(ctx *sampler.Context, pids []int) (*sampler.Snapshot, error) {
	if s.calls >= len(s.snaps) {
		s.calls++
		return nil, s.err
	}
	snap := s.snaps[s.calls]
	s.calls++
	return snap, nil
}

type memRecorder struct {
	snaps int
	cores [][]int
}

func (m *memRecorder) Add(snap *sampler.Snapshot, tasks []task.Task) {
	m.snaps++
	m.cores = append(m.cores, task.Cores(tasks))
}

type countingGuard struct {
	events []string
	fail   error
}

func (g *countingGuard) Raise() error {
	g.events = append(g.events, "raise")
	return g.fail
}

func (g *countingGuard) Lower() error {
	g.events = append(g.events, "lower")
	return nil
}

// swapPolicy puts everything on core 0 and moves the heaviest task to core 1
// whenever weights differ.
type swapPolicy struct {
	decisions [][]uint64
	fail      error
}

func (*swapPolicy) Name() string { return "swap" }

func (*swapPolicy) InitialDistribution(pids []int) ([]task.Task, error) {
	tasks := make([]task.Task, len(pids))
	for i, pid := range pids {
		tasks[i] = task.Task{PID: pid}
	}
	return tasks, nil
}

func (p *swapPolicy) Decide(tasks []task.Task) (bool, error) {
	if p.fail != nil {
		return false, p.fail
	}
	weights := make([]uint64, len(tasks))
	heaviest := 0
	for i, t := range tasks {
		weights[i] = t.Weight
		if t.Weight > tasks[heaviest].Weight {
			heaviest = i
		}
	}
	p.decisions = append(p.decisions, weights)
	if tasks[heaviest].Core == 1 || weights[0] == weights[len(weights)-1] {
		return false, nil
	}
	tasks[heaviest].Core = 1
	return true, nil
}

func snap(elapsed uint64, times ...uint64) *sampler.Snapshot {
	s := &sampler.Snapshot{Elapsed: elapsed, Idle: []uint64{0, 0}}
	for i := 0; i < len(times); i += 2 {
		s.Tasks = append(s.Tasks, sampler.TaskTime{PID: 10 + i/2, UTime: times[i], STime: times[i+1]})
	}
	return s
}

func gone(pid int) error {
	return fmt.Errorf("pid %d: %w", pid, task.ErrTaskGone)
}

func TestRun_EndsGracefullyWhenTaskGone(t *testing.T) {
	smp := &scriptedSampler{
		snaps: []*sampler.Snapshot{
			snap(0, 0, 0, 0, 0),
			snap(100, 10, 0, 1, 1),
			snap(200, 20, 5, 2, 1),
		},
		err: gone(11),
	}
	rec := &memRecorder{}
	guard := &countingGuard{}
	pol := &swapPolicy{}
	var sleeps []time.Duration

	res, err := Run(Options{
		Policy:   pol,
		Sampler:  smp,
		Recorder: rec,
		Guard:    guard,
		Settle:   3 * time.Second,
		Interval: 100 * time.Millisecond,
		sleep:    func(d time.Duration) { sleeps = append(sleeps, d) },
	}, []int{10, 11})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 3, rec.snaps)
	assert.True(t, errors.Is(res.Gone, task.ErrTaskGone))
	assert.Equal(t, 1, res.Rebalances)

	// weights are delta utime+stime+1
	assert.Equal(t, [][]uint64{{11, 3}, {16, 2}}, pol.decisions)
	assert.Equal(t, []int{1, 0}, task.Cores(res.Tasks))
	// the first snapshot is recorded before any decision
	assert.Equal(t, []int{0, 0}, rec.cores[0])

	assert.Equal(t, []time.Duration{3 * time.Second, 100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}, sleeps)
	assert.Equal(t, []string{"raise", "lower", "raise", "lower", "raise", "lower", "raise", "lower"}, guard.events)
}

func TestRun_NoDecisionOnFirstSnapshot(t *testing.T) {
	smp := &scriptedSampler{snaps: []*sampler.Snapshot{snap(0, 1, 1)}, err: gone(10)}
	pol := &swapPolicy{}
	res, err := Run(Options{
		Policy:   pol,
		Sampler:  smp,
		Recorder: &memRecorder{},
		sleep:    func(time.Duration) {},
	}, []int{10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.Empty(t, pol.decisions)
}

func TestRun_FatalErrors(t *testing.T) {
	cases := []struct {
		name string
		opts func(*Options)
	}{
		{"pin", func(o *Options) { o.PinSelf = func() error { return errors.New("EPERM") } }},
		{"raise", func(o *Options) { o.Guard = &countingGuard{fail: errors.New("EPERM")} }},
		{"decide", func(o *Options) { o.Policy = &swapPolicy{fail: errors.New("pin failed")} }},
		{"sampler", func(o *Options) {
			o.Sampler = &scriptedSampler{err: errors.New("kernel stat unreadable")}
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := &memRecorder{}
			opts := Options{
				Policy:   &swapPolicy{},
				Sampler:  &scriptedSampler{snaps: []*sampler.Snapshot{snap(0, 0, 0), snap(1, 5, 0)}, err: gone(10)},
				Recorder: rec,
				sleep:    func(time.Duration) {},
			}
			c.opts(&opts)
			res, err := Run(opts, []int{10})
			require.Error(t, err)
			require.NotNil(t, res)
			assert.False(t, errors.Is(err, task.ErrTaskGone))
		})
	}
}

func TestRun_StopEndsBeforeNextIteration(t *testing.T) {
	stop := make(chan struct{})
	smp := &scriptedSampler{snaps: []*sampler.Snapshot{snap(0, 0, 0), snap(1, 1, 0), snap(2, 2, 0)}, err: gone(10)}
	iterations := 0

	res, err := Run(Options{
		Policy:   &swapPolicy{},
		Sampler:  smp,
		Recorder: &memRecorder{},
		Stop:     stop,
		sleep: func(d time.Duration) {
			if d == time.Millisecond {
				iterations++
				if iterations == 2 {
					close(stop)
				}
			}
		},
		Interval: time.Millisecond,
	}, []int{10})
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Nil(t, res.Gone)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, smp.calls)
}

func TestRun_ControllerLoweredOnEveryExit(t *testing.T) {
	cases := []struct {
		name    string
		sampler *scriptedSampler
		policy  *swapPolicy
		fatal   bool
	}{
		{
			name:    "task gone",
			sampler: &scriptedSampler{snaps: []*sampler.Snapshot{snap(0, 0, 0)}, err: gone(10)},
			policy:  &swapPolicy{},
		},
		{
			name:    "snapshot error",
			sampler: &scriptedSampler{err: errors.New("kernel stat unreadable")},
			policy:  &swapPolicy{},
			fatal:   true,
		},
		{
			name:    "decide error",
			sampler: &scriptedSampler{snaps: []*sampler.Snapshot{snap(0, 0, 0), snap(1, 5, 0)}, err: gone(10)},
			policy:  &swapPolicy{fail: errors.New("pin failed")},
			fatal:   true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			guard := &countingGuard{}
			_, err := Run(Options{
				Policy:   c.policy,
				Sampler:  c.sampler,
				Recorder: &memRecorder{},
				Guard:    guard,
				sleep:    func(time.Duration) {},
			}, []int{10})
			if c.fatal {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.NotEmpty(t, guard.events)
			assert.Equal(t, "lower", guard.events[len(guard.events)-1])
		})
	}
}

func TestRun_FailedRaiseDoesNotLower(t *testing.T) {
	guard := &countingGuard{fail: errors.New("EPERM")}
	_, err := Run(Options{
		Policy:   &swapPolicy{},
		Sampler:  &scriptedSampler{err: gone(10)},
		Recorder: &memRecorder{},
		Guard:    guard,
		sleep:    func(time.Duration) {},
	}, []int{10})
	require.Error(t, err)
	assert.Equal(t, []string{"raise"}, guard.events)
}
