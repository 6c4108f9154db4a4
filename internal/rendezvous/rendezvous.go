// Package rendezvous brings independently started coordinators to agreement on group
// membership, a single leader and a shared table of victim pids.
//
// The leader is the member with the smallest pid. It creates the shared segment and sets
// the barrier counter to the group size, then resumes the followers, which suspended
// themselves right after learning the group. Every member then publishes into its own
// slot and enters the barrier; the member whose decrement reaches zero resumes all others.
// Resumes therefore happen only after every publish.
//
// There is no timeout: a member that is never resumed stays suspended forever.
package rendezvous

import (
	"fmt"
	"sort"
	"time"

	"cosched/internal/logging"

	"github.com/sirupsen/logrus"
)

type Options struct {
	// Path of the shared segment.
	Path string
	// Self is the caller's coordinator pid; it must appear in Members.
	Self int
	// Members are the coordinator pids of the whole group, including Self.
	Members []int
	// Settle is slept before resuming peers.
	Settle   time.Duration
	Signaler Signaler

	sleep func(time.Duration)
}

type Rendezvous struct {
	opts    Options
	members []int
	index   int
	seg     *Segment
	logger  logrus.FieldLogger
}

// Leader returns the elected leader of members: the smallest pid.
func Leader(members []int) int {
	if len(members) == 0 {
		return 0
	}
	leader := members[0]
	for _, pid := range members[1:] {
		if pid < leader {
			leader = pid
		}
	}
	return leader
}

// Join performs the bootstrap step. The leader returns once the segment exists and the
// followers were resumed; a follower returns after being resumed and mapping the segment.
func Join(opts Options) (*Rendezvous, error) {
	if opts.Signaler == nil {
		opts.Signaler = ProcessSignaler{}
	}
	if opts.sleep == nil {
		opts.sleep = time.Sleep
	}

	members := append([]int(nil), opts.Members...)
	sort.Ints(members)
	index := -1
	for i, pid := range members {
		if i > 0 && members[i-1] == pid {
			return nil, fmt.Errorf("duplicate member pid %d", pid)
		}
		if pid == opts.Self {
			index = i
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("pid %d is not a member of the group %v", opts.Self, members)
	}

	r := &Rendezvous{
		opts:    opts,
		members: members,
		index:   index,
		logger: logging.GetLogger().WithFields(logrus.Fields{
			"pid":     opts.Self,
			"slot":    index,
			"members": len(members),
		}),
	}

	if r.IsLeader() {
		seg, err := CreateSegment(opts.Path, len(members))
		if err != nil {
			return nil, err
		}
		seg.InitCounter(len(members))
		r.seg = seg
		r.logger.WithField("segment", opts.Path).Info("Created rendezvous segment")

		opts.sleep(opts.Settle)
		if err := r.resumeOthers(); err != nil {
			r.Close()
			return nil, err
		}
		return r, nil
	}

	r.logger.Debug("Suspending until the leader has created the segment")
	if err := opts.Signaler.Suspend(); err != nil {
		return nil, err
	}
	seg, err := OpenSegment(opts.Path, len(members))
	if err != nil {
		return nil, err
	}
	r.seg = seg
	r.logger.WithField("segment", opts.Path).Debug("Attached to rendezvous segment")
	return r, nil
}

func (r *Rendezvous) IsLeader() bool {
	return r.index == 0
}

// Index is the caller's slot in the registry.
func (r *Rendezvous) Index() int {
	return r.index
}

// Members returns the sorted group.
func (r *Rendezvous) Members() []int {
	return append([]int(nil), r.members...)
}

// Publish writes value into the caller's slot and waits at the barrier.
func (r *Rendezvous) Publish(value int) error {
	r.seg.Store(r.index, value)
	r.logger.WithField("value", value).Debug("Published registry slot")
	return r.Barrier()
}

// Barrier decrements the shared counter. The member reaching zero waits the settle
// interval and resumes every other member; everybody else suspends until resumed.
func (r *Rendezvous) Barrier() error {
	left := r.seg.Decrement()
	switch {
	case left == 0:
		r.logger.Debug("Last member at the barrier, releasing the group")
		r.opts.sleep(r.opts.Settle)
		return r.resumeOthers()
	case left > 0:
		r.logger.WithField("waiting_for", left).Debug("Suspending at the barrier")
		return r.opts.Signaler.Suspend()
	default:
		return fmt.Errorf("barrier counter went negative (%d): more arrivals than members", left)
	}
}

// Targets returns the published values in slot order. Valid after Barrier returns.
func (r *Rendezvous) Targets() []int {
	out := make([]int, r.seg.Slots())
	for i := range out {
		out[i] = r.seg.Load(i)
	}
	return out
}

// Close unmaps the segment; the leader also unlinks it.
func (r *Rendezvous) Close() error {
	if r.seg == nil {
		return nil
	}
	var err error
	if r.IsLeader() {
		err = r.seg.Remove()
	}
	if cerr := r.seg.Close(); err == nil {
		err = cerr
	}
	r.seg = nil
	return err
}

func (r *Rendezvous) resumeOthers() error {
	for _, pid := range r.members {
		if pid == r.opts.Self {
			continue
		}
		if err := r.opts.Signaler.Resume(pid); err != nil {
			return err
		}
	}
	return nil
}
