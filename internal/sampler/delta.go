package sampler

import "fmt"

// Delta is the field-wise difference of two snapshots over the same task/core set.
// It has the same shape as a Snapshot; Elapsed is the interval length.
type Delta Snapshot

// Diff subtracts older from newer. Both snapshots must cover the same ordered tasks
// and cores; anything else is a programming error and panics.
func Diff(older, newer *Snapshot) *Delta {
	if len(older.Tasks) != len(newer.Tasks) {
		panic(fmt.Sprintf("sampler: task count mismatch %d != %d", len(older.Tasks), len(newer.Tasks)))
	}
	if len(older.Idle) != len(newer.Idle) {
		panic(fmt.Sprintf("sampler: core count mismatch %d != %d", len(older.Idle), len(newer.Idle)))
	}

	d := &Delta{
		Elapsed: newer.Elapsed - older.Elapsed,
		Noise:   newer.Noise - older.Noise,
		Tasks:   make([]TaskTime, len(newer.Tasks)),
		Idle:    make([]uint64, len(newer.Idle)),
	}
	for i := range newer.Tasks {
		o, n := older.Tasks[i], newer.Tasks[i]
		if o.PID != n.PID {
			panic(fmt.Sprintf("sampler: task %d is pid %d in one snapshot and %d in the other", i, o.PID, n.PID))
		}
		d.Tasks[i] = TaskTime{PID: n.PID, UTime: n.UTime - o.UTime, STime: n.STime - o.STime}
	}
	for i := range newer.Idle {
		d.Idle[i] = newer.Idle[i] - older.Idle[i]
	}
	return d
}

// Weight is the load proxy of task i over the interval: utime + stime + 1.
// The +1 keeps idle tasks strictly positive.
func (d *Delta) Weight(i int) uint64 {
	return d.Tasks[i].UTime + d.Tasks[i].STime + 1
}
