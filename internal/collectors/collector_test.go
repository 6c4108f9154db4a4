package collectors

import (
	"errors"
	"testing"
)

type scriptedSource struct {
	values []*Counters
	closed bool
}

func (s *scriptedSource) Collect() *Counters {
	if len(s.values) == 0 {
		return nil
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v
}

func (s *scriptedSource) Close() { s.closed = true }

func u64(v uint64) *uint64 { return &v }

func TestTaskCollectors_AccumulatesTotals(t *testing.T) {
	sources := map[int]*scriptedSource{
		1: {values: []*Counters{nil, {ContextSwitches: u64(3), CPUMigrations: u64(1)}, {ContextSwitches: u64(4)}}},
	}
	open := func(pid int) (Source, error) {
		if s, ok := sources[pid]; ok {
			return s, nil
		}
		return nil, errors.New("perf_event_open: permission denied")
	}

	tc := NewTaskCollectors([]int{1, 2}, open)

	if got := tc.Collect(); len(got) != 0 {
		t.Fatalf("expected no data on the first interval, got %v", got)
	}
	got := tc.Collect()
	if len(got) != 1 || *got[1].ContextSwitches != 3 {
		t.Fatalf("unexpected counters %v", got)
	}
	tc.Collect()

	totals := tc.Totals()
	if totals[1].ContextSwitches != 7 || totals[1].CPUMigrations != 1 {
		t.Fatalf("unexpected totals for pid 1: %+v", totals[1])
	}
	if _, ok := totals[2]; !ok {
		t.Fatalf("pid 2 should be tracked without counters")
	}

	tc.Close()
	if !sources[1].closed {
		t.Fatalf("source was not closed")
	}
}

func TestCountersFromSums_DerivesIPC(t *testing.T) {
	c := countersFromSums(map[string]uint64{
		"instructions":     300,
		"cpu-cycles":       200,
		"context-switches": 0,
	})
	if c.ContextSwitches != nil {
		t.Fatalf("zero counters should be omitted")
	}
	if c.InstructionsPerCycle == nil || *c.InstructionsPerCycle != 1.5 {
		t.Fatalf("expected ipc 1.5, got %v", c.InstructionsPerCycle)
	}
}
