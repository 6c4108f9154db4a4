package procstat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cosched/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statLine renders a /proc/<pid>/stat line with the given utime/stime (fields 14/15).
func statLine(pid int, utime, stime uint64) string {
	fields := []string{fmt.Sprint(pid), "(victim)", "S"}
	for i := 4; i <= 52; i++ {
		switch i {
		case 14:
			fields = append(fields, fmt.Sprint(utime))
		case 15:
			fields = append(fields, fmt.Sprint(stime))
		default:
			fields = append(fields, "0")
		}
	}
	return strings.Join(fields, " ") + "\n"
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fakeProc(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "stat"), strings.Join([]string{
		"cpu  10 0 10 300 0 0 0 0 0 0",
		"cpu0 5 0 5 100 0 0 0 0 0 0",
		"cpu1 5 0 5 200 0 0 0 0 0 0",
		"intr 0",
		"ctxt 0",
		"btime 0",
		"processes 1",
		"procs_running 1",
		"procs_blocked 0",
		"",
	}, "\n"))

	writeFile(t, filepath.Join(root, "100", "stat"), statLine(100, 17, 4))
	writeFile(t, filepath.Join(root, "100", "task", "100", "stat"), statLine(100, 17, 4))
	writeFile(t, filepath.Join(root, "100", "task", "100", "children"), "300 301 ")
	writeFile(t, filepath.Join(root, "100", "task", "101", "stat"), statLine(101, 0, 0))
	writeFile(t, filepath.Join(root, "100", "task", "101", "children"), "")

	writeFile(t, filepath.Join(root, "200", "stat"), statLine(200, 3, 2))
	require.NoError(t, os.Symlink("200", filepath.Join(root, "self")))
	return root
}

func TestReader_TaskTimes(t *testing.T) {
	r, err := NewReader(fakeProc(t), 100)
	require.NoError(t, err)

	u, s, err := r.TaskTimes(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(17), u)
	assert.Equal(t, uint64(4), s)
}

func TestReader_TaskTimes_GoneIsTaskGone(t *testing.T) {
	r, err := NewReader(fakeProc(t), 100)
	require.NoError(t, err)

	_, _, err = r.TaskTimes(999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrTaskGone))
}

func TestReader_SelfTimes(t *testing.T) {
	r, err := NewReader(fakeProc(t), 100)
	require.NoError(t, err)

	noise, err := r.SelfTimes()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), noise)
}

func TestReader_CoreIdle_ConvertsTicksToNanos(t *testing.T) {
	r, err := NewReader(fakeProc(t), 100)
	require.NoError(t, err)

	idle, err := r.CoreIdle([]int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2_000_000_000, 1_000_000_000}, idle)

	_, err = r.CoreIdle([]int{5})
	assert.Error(t, err)
}

func TestReader_Children_ThreadsAndChildren(t *testing.T) {
	r, err := NewReader(fakeProc(t), 100)
	require.NoError(t, err)

	kids, err := r.Children(100)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 101, 300, 301}, kids)

	none, err := r.Children(424242)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReader_Threads(t *testing.T) {
	r, err := NewReader(fakeProc(t), 100)
	require.NoError(t, err)

	threads, err := r.Threads(100)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 101}, threads)
}

func TestTicksToNanos(t *testing.T) {
	assert.Equal(t, uint64(10_000_000), TicksToNanos(1, 100))
	assert.Equal(t, uint64(4_000_000), TicksToNanos(1, 250))
}

func TestTicksToNanos_LargeCountsDoNotOverflow(t *testing.T) {
	// about six years of idle time at 100 Hz; ticks*1e9 alone exceeds uint64
	ticks := uint64(20_000_000_037)
	assert.Equal(t, uint64(200_000_000_370_000_000), TicksToNanos(ticks, 100))
	assert.Equal(t, uint64(80_000_000_148_000_000), TicksToNanos(ticks, 250))
}
