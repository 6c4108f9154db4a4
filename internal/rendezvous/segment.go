package rendezvous

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// Bytes reserved in front of the registry for the barrier counter.
	syncSize = 128
	slotSize = 4
	shmDir   = "/dev/shm"
)

// SegmentPath returns where a POSIX shared memory object named name lives on Linux.
func SegmentPath(name string) string {
	return filepath.Join(shmDir, name)
}

// Segment is a mapped shared memory region: an int32 barrier counter followed by one
// int32 pid slot per group member.
type Segment struct {
	path  string
	data  []byte
	slots int
}

func segmentSize(slots int) int {
	return syncSize + slots*slotSize
}

// CreateSegment unconditionally replaces any segment at path with a zeroed one sized
// for slots members.
func CreateSegment(path string, slots int) (*Segment, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("segment needs at least one slot")
	}
	if err := unix.Unlink(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale segment %s: %w", path, err)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %s: %w", path, err)
	}
	defer unix.Close(fd)

	size := segmentSize(slots)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("failed to size segment %s: %w", path, err)
	}

	seg, err := mapSegment(fd, path, slots)
	if err != nil {
		_ = unix.Unlink(path)
		return nil, err
	}
	for i := range seg.data {
		seg.data[i] = 0
	}
	return seg, nil
}

// OpenSegment maps an existing segment. It never creates one.
func OpenSegment(path string, slots int) (*Segment, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("failed to stat segment %s: %w", path, err)
	}
	if st.Size < int64(segmentSize(slots)) {
		return nil, fmt.Errorf("segment %s holds %d bytes, need %d", path, st.Size, segmentSize(slots))
	}
	return mapSegment(fd, path, slots)
}

func mapSegment(fd int, path string, slots int) (*Segment, error) {
	data, err := unix.Mmap(fd, 0, segmentSize(slots), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map segment %s: %w", path, err)
	}
	return &Segment{path: path, data: data, slots: slots}, nil
}

func (s *Segment) counter() *int32 {
	return (*int32)(unsafe.Pointer(&s.data[0]))
}

func (s *Segment) slot(i int) *int32 {
	return (*int32)(unsafe.Pointer(&s.data[syncSize+i*slotSize]))
}

// InitCounter sets the barrier counter to n.
func (s *Segment) InitCounter(n int) {
	atomic.StoreInt32(s.counter(), int32(n))
}

// Decrement atomically decrements the barrier counter and returns the new value.
func (s *Segment) Decrement() int {
	return int(atomic.AddInt32(s.counter(), -1))
}

// Counter returns the current barrier counter.
func (s *Segment) Counter() int {
	return int(atomic.LoadInt32(s.counter()))
}

func (s *Segment) Store(i int, pid int) {
	atomic.StoreInt32(s.slot(i), int32(pid))
}

func (s *Segment) Load(i int) int {
	return int(atomic.LoadInt32(s.slot(i)))
}

func (s *Segment) Slots() int {
	return s.slots
}

// Close unmaps the segment. It does not remove it.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// Remove unlinks the segment name; existing mappings stay valid.
func (s *Segment) Remove() error {
	if err := unix.Unlink(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
