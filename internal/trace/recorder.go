// Package trace keeps the per-iteration measurements of a run in memory and writes
// them out as CSV when the run ends.
package trace

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"cosched/internal/logging"
	"cosched/internal/sampler"
	"cosched/internal/task"

	"github.com/sirupsen/logrus"
)

// Record is one trace line: one task at one snapshot, written in field order
// elapsed_ns,utime,stime,noise,idle_ns,core,pid. Every counter is cumulative since the
// first recorded snapshot of the run, not a delta over the preceding interval.
type Record struct {
	Elapsed uint64
	UTime   uint64
	STime   uint64
	Noise   uint64
	// Idle nanoseconds of the core the task was assigned to.
	Idle uint64
	Core int
	PID  int
}

func (r Record) fields() []string {
	return []string{
		strconv.FormatUint(r.Elapsed, 10),
		strconv.FormatUint(r.UTime, 10),
		strconv.FormatUint(r.STime, 10),
		strconv.FormatUint(r.Noise, 10),
		strconv.FormatUint(r.Idle, 10),
		strconv.Itoa(r.Core),
		strconv.Itoa(r.PID),
	}
}

type Recorder struct {
	path     string
	baseline *sampler.Snapshot
	records  []Record
	flushed  bool
}

// CheckPath fails if path already exists. The trace never overwrites a previous run.
func CheckPath(path string) error {
	_, err := os.Lstat(path)
	if err == nil {
		return fmt.Errorf("trace file %s already exists", path)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to check trace file %s: %w", path, err)
	}
	return nil
}

// NewRecorder returns a recorder that will write to path, which must not exist yet.
func NewRecorder(path string) (*Recorder, error) {
	if err := CheckPath(path); err != nil {
		return nil, err
	}
	return &Recorder{path: path}, nil
}

func (r *Recorder) Path() string {
	return r.path
}

// Add appends one record per task. The first snapshot added becomes the baseline all
// records are made relative to. tasks must be in the same order as snap.Tasks.
func (r *Recorder) Add(snap *sampler.Snapshot, tasks []task.Task) {
	if r.baseline == nil {
		r.baseline = snap
	}
	base := r.baseline
	noise := snap.Noise - base.Noise

	for i, t := range tasks {
		tt, bt := snap.Tasks[i], base.Tasks[i]
		rec := Record{
			Elapsed: snap.Elapsed - base.Elapsed,
			UTime:   tt.UTime - bt.UTime,
			STime:   tt.STime - bt.STime,
			Noise:   noise,
			Core:    t.Core,
			PID:     t.PID,
		}
		if t.Core >= 0 && t.Core < len(snap.Idle) {
			rec.Idle = snap.Idle[t.Core] - base.Idle[t.Core]
		}
		r.records = append(r.records, rec)
	}
}

// Records returns the records collected so far.
func (r *Recorder) Records() []Record {
	return r.records
}

func (r *Recorder) Len() int {
	return len(r.records)
}

// Flush writes all records to the trace file. The file is created exclusively; only
// the first call writes.
func (r *Recorder) Flush() error {
	if r.flushed {
		return nil
	}
	r.flushed = true

	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create trace file: %w", err)
	}

	w := csv.NewWriter(f)
	for _, rec := range r.records {
		if err := w.Write(rec.fields()); err != nil {
			f.Close()
			return fmt.Errorf("failed to write trace: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write trace: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}

	logging.GetLogger().WithFields(logrus.Fields{
		"path":    r.path,
		"records": len(r.records),
	}).Info("Trace written")
	return nil
}
