package policy

import (
	"fmt"
	"testing"

	"cosched/internal/config"
	"cosched/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type pinCall struct{ pid, core int }
type rankCall struct{ pid, rank int }

type fakeAllocator struct {
	ncores int
	pins   []pinCall
	fail   error
}

func newFakeAllocator(ncores int) *fakeAllocator {
	return &fakeAllocator{ncores: ncores}
}

func (f *fakeAllocator) NumCores() int { return f.ncores }

func (f *fakeAllocator) CPU(core int) (int, error) { return core, nil }

func (f *fakeAllocator) Pin(pid, core int) error {
	if f.fail != nil {
		return f.fail
	}
	f.pins = append(f.pins, pinCall{pid, core})
	return nil
}

type fakeRanker struct {
	calls []rankCall
	fail  map[int]error
}

func (f *fakeRanker) SetRank(pid, rank int) error {
	if err := f.fail[pid]; err != nil {
		return err
	}
	f.calls = append(f.calls, rankCall{pid, rank})
	return nil
}

func (f *fakeRanker) rankOf(pid int) int {
	r := 0
	for _, c := range f.calls {
		if c.pid == pid {
			r = c.rank
		}
	}
	return r
}

type fakeChildren map[int][]int

func (f fakeChildren) Children(pid int) ([]int, error) {
	return f[pid], nil
}

func weighted(cores []int, weights []uint64) []task.Task {
	tasks := make([]task.Task, len(cores))
	for i := range cores {
		tasks[i] = task.Task{PID: 100 + i, Core: cores[i], Weight: weights[i]}
	}
	return tasks
}

func TestPlan_SkewedLoadRejectedByHysteresis(t *testing.T) {
	// A, B, C round-robin on two cores; weights 5, 100, 5
	tasks := weighted([]int{0, 1, 0}, []uint64{5, 100, 5})

	p := Plan(tasks, 2)
	assert.Equal(t, uint64(100), p.CurrentMakespan)
	assert.Equal(t, uint64(105), p.CandidateMakespan)
	assert.False(t, p.Apply)
	// A and C split across the cores first, B then joins core 0 on the tie
	assert.Equal(t, []int{0, 0, 1}, p.Cores)
}

func TestPlan_HysteresisBoundary(t *testing.T) {
	cases := []struct {
		name    string
		current uint64
		cand    uint64
		apply   bool
	}{
		// candidate 100 vs current 105: 100*105 = 10500 == 105*100, not strictly less
		{name: "exactly 5 percent", current: 105, cand: 100, apply: false},
		{name: "just over 5 percent", current: 106, cand: 100, apply: true},
		{name: "equal", current: 100, cand: 100, apply: false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// everything on core 0 gives the current makespan; two tasks of cand and
			// current-cand split cleanly onto two cores
			tasks := weighted([]int{0, 0}, []uint64{c.current - c.cand, c.cand})
			p := Plan(tasks, 2)
			require.Equal(t, c.current, p.CurrentMakespan)
			require.Equal(t, c.cand, p.CandidateMakespan)
			assert.Equal(t, c.apply, p.Apply)
		})
	}
}

func TestPlan_AscendingGreedyAndTieBreak(t *testing.T) {
	tasks := weighted([]int{0, 0, 0, 0}, []uint64{4, 1, 3, 2})
	p := Plan(tasks, 2)
	// pid 101 (1) -> core 0, 103 (2) -> core 1, 102 (3) -> core 0 at 4, 100 (4) -> core 1 at 6
	assert.Equal(t, []int{1, 0, 0, 1}, p.Cores)
	assert.Equal(t, uint64(6), p.CandidateMakespan)
	assert.Equal(t, uint64(10), p.CurrentMakespan)
	assert.True(t, p.Apply)
}

func TestPlan_IsPure(t *testing.T) {
	tasks := weighted([]int{0, 0, 1}, []uint64{50, 40, 1})
	before := append([]task.Task(nil), tasks...)
	Plan(tasks, 3)
	assert.Equal(t, before, tasks)
}

func TestRanks_SmallerWeightRanksFirstPerCore(t *testing.T) {
	tasks := []task.Task{
		{PID: 1, Core: 1, Weight: 30},
		{PID: 2, Core: 0, Weight: 20},
		{PID: 3, Core: 1, Weight: 10},
		{PID: 4, Core: 0, Weight: 20},
		{PID: 5, Core: 0, Weight: 5},
	}
	ranks := Ranks(tasks)
	assert.Equal(t, []int{2, 2, 1, 3, 1}, ranks)

	for i := range tasks {
		for j := range tasks {
			if i == j || tasks[i].Core != tasks[j].Core {
				continue
			}
			if tasks[i].Weight < tasks[j].Weight {
				assert.Less(t, ranks[i], ranks[j])
			}
		}
	}
}

func TestTracer_NoSyscallsEver(t *testing.T) {
	alloc := newFakeAllocator(4)
	ranker := &fakeRanker{}
	p, err := New(config.SchedulerTracer, Deps{Allocator: alloc, Ranker: ranker})
	require.NoError(t, err)

	tasks, err := p.InitialDistribution([]int{9, 8, 7})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, task.Cores(tasks))
	assert.Equal(t, []int{9, 8, 7}, task.PIDs(tasks))

	for round := uint64(0); round < 20; round++ {
		for i := range tasks {
			tasks[i].Weight = (round*7 + uint64(i)*131) % 97
		}
		changed, err := p.Decide(tasks)
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.Empty(t, alloc.pins)
	assert.Empty(t, ranker.calls)
}

func TestPinnedRoundRobin(t *testing.T) {
	alloc := newFakeAllocator(2)
	ranker := &fakeRanker{}
	p, err := New(config.SchedulerPinned, Deps{Allocator: alloc, Ranker: ranker})
	require.NoError(t, err)

	tasks, err := p.InitialDistribution([]int{10, 11, 12})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, task.Cores(tasks))
	assert.Equal(t, []pinCall{{10, 0}, {11, 1}, {12, 0}}, alloc.pins)
	assert.Equal(t, []rankCall{{10, 1}, {11, 1}, {12, 1}}, ranker.calls)

	tasks[0].Weight, tasks[1].Weight, tasks[2].Weight = 1000, 1, 1000
	changed, err := p.Decide(tasks)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, alloc.pins, 3)
}

func TestLoadBalancing_RejectedCandidateIssuesNoSyscalls(t *testing.T) {
	alloc := newFakeAllocator(2)
	ranker := &fakeRanker{}
	lb := NewLoadBalancing(alloc, ranker, fakeChildren{})

	tasks, err := lb.InitialDistribution([]int{1, 2, 3})
	require.NoError(t, err)
	pins, ranks := len(alloc.pins), len(ranker.calls)

	tasks[0].Weight, tasks[1].Weight, tasks[2].Weight = 5, 100, 5
	changed, err := lb.Decide(tasks)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []int{0, 1, 0}, task.Cores(tasks))
	assert.Len(t, alloc.pins, pins)
	assert.Len(t, ranker.calls, ranks)
}

func TestLoadBalancing_ApplyRepinsAndRanksChildren(t *testing.T) {
	alloc := newFakeAllocator(2)
	ranker := &fakeRanker{}
	children := fakeChildren{
		1: {1, 50, 51},
		2: {2},
		3: {3, 70},
	}
	lb := NewLoadBalancing(alloc, ranker, children)

	tasks, err := lb.InitialDistribution([]int{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 0}, task.Cores(tasks))

	// core 0 holds 60+50, core 1 holds 10
	tasks[0].Weight, tasks[1].Weight, tasks[2].Weight = 60, 10, 50
	alloc.pins = nil
	ranker.calls = nil

	changed, err := lb.Decide(tasks)
	require.NoError(t, err)
	require.True(t, changed)

	// ascending: 2(10)->c0, 3(50)->c1, 1(60)->c0 ; makespan 70 vs 110
	assert.Equal(t, []int{0, 0, 1}, task.Cores(tasks))
	assert.Equal(t, []int{1, 2, 3}, task.PIDs(tasks))
	assert.Equal(t, []pinCall{{1, 0}, {2, 0}, {3, 1}}, alloc.pins)

	assert.Equal(t, 2, ranker.rankOf(1))
	assert.Equal(t, 1, ranker.rankOf(2))
	assert.Equal(t, 1, ranker.rankOf(3))
	assert.Equal(t, 2, ranker.rankOf(50))
	assert.Equal(t, 2, ranker.rankOf(51))
	assert.Equal(t, 1, ranker.rankOf(70))
}

func TestLoadBalancing_GoneChildIsSkipped(t *testing.T) {
	alloc := newFakeAllocator(2)
	ranker := &fakeRanker{fail: map[int]error{
		51: fmt.Errorf("set priority: %w", unix.ESRCH),
	}}
	lb := NewLoadBalancing(alloc, ranker, fakeChildren{1: {51}})

	tasks, err := lb.InitialDistribution([]int{1, 2})
	require.NoError(t, err)
	tasks[0].Weight, tasks[1].Weight = 1, 1
	tasks[1].Core = 0

	changed, err := lb.Decide(tasks)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestLoadBalancing_PriorityFailureIsFatal(t *testing.T) {
	alloc := newFakeAllocator(2)
	ranker := &fakeRanker{}
	lb := NewLoadBalancing(alloc, ranker, fakeChildren{})

	tasks, err := lb.InitialDistribution([]int{1, 2})
	require.NoError(t, err)
	tasks[0].Weight, tasks[1].Weight = 1, 1
	tasks[1].Core = 0

	ranker.fail = map[int]error{2: unix.EINVAL}
	_, err = lb.Decide(tasks)
	assert.Error(t, err)
}

func TestLoadBalancing_AffinityFailureIsFatal(t *testing.T) {
	alloc := newFakeAllocator(2)
	lb := NewLoadBalancing(alloc, &fakeRanker{}, fakeChildren{})

	tasks, err := lb.InitialDistribution([]int{1, 2})
	require.NoError(t, err)
	tasks[0].Weight, tasks[1].Weight = 1, 1
	tasks[1].Core = 0

	alloc.fail = unix.EPERM
	_, err = lb.Decide(tasks)
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.SchedulerDefault, Deps{})
	assert.Error(t, err)
	_, err = New(config.SchedulerDefault, Deps{Allocator: newFakeAllocator(1), Ranker: &fakeRanker{}})
	assert.Error(t, err)
	_, err = New(config.SchedulerKind("bogus"), Deps{})
	assert.Error(t, err)

	p, err := New(config.SchedulerDefault, Deps{Allocator: newFakeAllocator(1), Ranker: &fakeRanker{}, Children: fakeChildren{}})
	require.NoError(t, err)
	assert.Equal(t, "load-balancing", p.Name())
}
