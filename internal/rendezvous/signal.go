package rendezvous

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Signaler suspends the calling participant and resumes others. A resume sent to a
// participant that is not suspended yet must not be lost for the rendezvous to stay
// live; with process signals this is only approximated by the settle interval.
type Signaler interface {
	// Suspend blocks the caller until another participant resumes it.
	Suspend() error
	// Resume wakes the participant identified by pid.
	Resume(pid int) error
}

// ProcessSignaler stops the whole process with SIGSTOP and resumes peers with SIGCONT.
type ProcessSignaler struct{}

func (ProcessSignaler) Suspend() error {
	if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
		return fmt.Errorf("failed to stop self: %w", err)
	}
	return nil
}

func (ProcessSignaler) Resume(pid int) error {
	if err := unix.Kill(pid, unix.SIGCONT); err != nil {
		return fmt.Errorf("failed to resume %d: %w", pid, err)
	}
	return nil
}
