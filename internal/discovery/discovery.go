// Package discovery finds the coordinator processes that belong to one run: every live
// process executing the same binary with the same subcommand.
package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cosched/internal/logging"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

const pollInterval = 100 * time.Millisecond

// Candidate is one process as seen by a Lister.
type Candidate struct {
	PID    int
	Exe    string
	Args   []string
	Zombie bool
}

// Lister enumerates running processes.
type Lister interface {
	List(ctx context.Context) ([]Candidate, error)
}

// ProcessLister lists processes through gopsutil.
type ProcessLister struct{}

func (ProcessLister) List(ctx context.Context) ([]Candidate, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make([]Candidate, 0, len(procs))
	for _, p := range procs {
		// processes of other users or ones that exited meanwhile are skipped
		exe, err := p.ExeWithContext(ctx)
		if err != nil {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		c := Candidate{PID: int(p.Pid), Exe: exe, Args: args}
		if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
			c.Zombie = status[0] == process.Zombie
		}
		out = append(out, c)
	}
	return out, nil
}

type Finder struct {
	lister     Lister
	exe        string
	subcommand string
	self       int
	interval   time.Duration
}

// NewFinder matches processes running the current executable whose arguments include
// subcommand. An empty subcommand matches any invocation.
func NewFinder(lister Lister, subcommand string) (*Finder, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	if lister == nil {
		lister = ProcessLister{}
	}
	return &Finder{
		lister:     lister,
		exe:        exe,
		subcommand: subcommand,
		self:       os.Getpid(),
		interval:   pollInterval,
	}, nil
}

// Siblings returns the sorted pids of all matching coordinators, the caller included.
func (f *Finder) Siblings(ctx context.Context) ([]int, error) {
	candidates, err := f.lister.List(ctx)
	if err != nil {
		return nil, err
	}

	var pids []int
	sawSelf := false
	for _, c := range candidates {
		if c.Zombie || c.Exe != f.exe || !f.matchesSubcommand(c.Args) {
			continue
		}
		if c.PID == f.self {
			sawSelf = true
		}
		pids = append(pids, c.PID)
	}
	if !sawSelf {
		pids = append(pids, f.self)
	}
	sort.Ints(pids)
	return pids, nil
}

// WaitForGroup polls Siblings until exactly size coordinators are present. A size of
// zero or less takes the first listing as the group.
func (f *Finder) WaitForGroup(ctx context.Context, size int) ([]int, error) {
	logger := logging.GetLogger()

	for {
		pids, err := f.Siblings(ctx)
		if err != nil {
			return nil, err
		}
		if size <= 0 || len(pids) == size {
			logger.WithFields(logrus.Fields{
				"members": pids,
				"self":    f.self,
			}).Info("Discovered coordinator group")
			return pids, nil
		}
		if len(pids) > size {
			return nil, fmt.Errorf("found %d coordinators, expected a group of %d", len(pids), size)
		}

		logger.WithFields(logrus.Fields{
			"found":    len(pids),
			"expected": size,
		}).Debug("Waiting for more coordinators")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.interval):
		}
	}
}

func (f *Finder) matchesSubcommand(args []string) bool {
	if f.subcommand == "" {
		return true
	}
	for _, a := range args[min(1, len(args)):] {
		if a == f.subcommand {
			return true
		}
	}
	return false
}
