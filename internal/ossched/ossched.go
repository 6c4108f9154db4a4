// Package ossched wraps the Linux scheduling calls the coordinator issues: CPU affinity
// and SCHED_FIFO priorities.
//
// All calls act on a single kernel task. pid 0 is the calling thread, so callers that
// change their own settings must hold runtime.LockOSThread.
package ossched

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Self addresses the calling thread.
const Self = 0

// Scheduler issues scheduling syscalls. Linux is the real implementation; policies and
// the control loop take the interface so that tests can count and inspect calls.
type Scheduler interface {
	// SetAffinity restricts pid to exactly one cpu.
	SetAffinity(pid, cpu int) error
	// Affinity returns the cpus pid may run on, ascending.
	Affinity(pid int) ([]int, error)
	// SetFIFO switches pid to SCHED_FIFO at priority.
	SetFIFO(pid, priority int) error
}

type Linux struct{}

func (Linux) SetAffinity(pid, cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return fmt.Errorf("failed to pin pid %d to cpu %d: %w", pid, cpu, err)
	}
	return nil
}

func (Linux) Affinity(pid int) ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(pid, &set); err != nil {
		return nil, fmt.Errorf("failed to read affinity of pid %d: %w", pid, err)
	}
	var cpus []int
	for cpu := 0; cpu < len(set)*64; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

func (Linux) SetFIFO(pid, priority int) error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(pid, &attr, 0); err != nil {
		return fmt.Errorf("failed to set SCHED_FIFO priority %d on pid %d: %w", priority, pid, err)
	}
	return nil
}

// PinnedTo reports whether pid may run on cpu and nothing else.
func PinnedTo(s Scheduler, pid, cpu int) (bool, error) {
	cpus, err := s.Affinity(pid)
	if err != nil {
		return false, err
	}
	return len(cpus) == 1 && cpus[0] == cpu, nil
}

// IsGone reports whether err came from addressing a task that no longer exists.
func IsGone(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
