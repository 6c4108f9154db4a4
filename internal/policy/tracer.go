package policy

import "cosched/internal/task"

// Tracer only observes: every task is recorded on core 0 and nothing is ever pinned
// or reprioritized.
type Tracer struct{}

func NewTracer() *Tracer {
	return &Tracer{}
}

func (*Tracer) Name() string { return "tracer" }

func (*Tracer) InitialDistribution(pids []int) ([]task.Task, error) {
	tasks := make([]task.Task, len(pids))
	for i, pid := range pids {
		tasks[i] = task.Task{PID: pid, Core: 0}
	}
	return tasks, nil
}

func (*Tracer) Decide([]task.Task) (bool, error) {
	return false, nil
}
