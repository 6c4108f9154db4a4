package task

import (
	"errors"
	"fmt"
)

// Task is the leader's record of one tracked victim.
// The slice of tasks built at initial distribution keeps its order for the whole run;
// only Core and Weight change.
type Task struct {
	PID    int
	Core   int
	Weight uint64
}

func (t Task) String() string {
	return fmt.Sprintf("pid=%d core=%d weight=%d", t.PID, t.Core, t.Weight)
}

// PIDs returns the pids of tasks in list order.
func PIDs(tasks []Task) []int {
	out := make([]int, len(tasks))
	for i, t := range tasks {
		out[i] = t.PID
	}
	return out
}

// Cores returns the assigned core of each task in list order.
func Cores(tasks []Task) []int {
	out := make([]int, len(tasks))
	for i, t := range tasks {
		out[i] = t.Core
	}
	return out
}

// Load sums task weights per core. Tasks on cores outside [0, ncores) are ignored.
func Load(tasks []Task, ncores int) []uint64 {
	load := make([]uint64, ncores)
	for _, t := range tasks {
		if t.Core >= 0 && t.Core < ncores {
			load[t.Core] += t.Weight
		}
	}
	return load
}

// Makespan is the maximum per-core load.
func Makespan(load []uint64) uint64 {
	var highest uint64
	for _, l := range load {
		if l > highest {
			highest = l
		}
	}
	return highest
}

// ErrTaskGone reports that a tracked task's accounting source can no longer be read.
// It ends the control loop gracefully.
var ErrTaskGone = errors.New("tracked task is gone")
