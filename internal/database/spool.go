package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cosched/internal/collectors"
	"cosched/internal/task"
)

// RunSummary describes one finished run: who took part, how it was configured and how
// it ended. It is spooled next to the trace and exported with it.
type RunSummary struct {
	Version int `json:"version"`

	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	Hostname      string `json:"hostname"`
	KernelVersion string `json:"kernel_version"`
	CPUModel      string `json:"cpu_model"`

	Scheduler      string `json:"scheduler"`
	ConfigChecksum string `json:"config_checksum"`
	CPUs           []int  `json:"cpus"`
	IntervalMS     int    `json:"interval_ms"`

	Members []int `json:"members"`
	Victims []int `json:"victims"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Iterations int       `json:"iterations"`
	Rebalances int       `json:"rebalances"`
	// ExitReason is empty for a run that ended because a task exited.
	ExitReason string `json:"exit_reason,omitempty"`

	TracePath  string      `json:"trace_path"`
	Records    int         `json:"records"`
	FinalTasks []task.Task `json:"final_tasks"`

	Perf map[int]collectors.Totals `json:"perf,omitempty"`

	ConfigContent string `json:"config_content,omitempty"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("COSCHED_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// WriteSpoolArtifact writes a gzip-compressed JSON summary to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, summary *RunSummary) (string, error) {
	if summary == nil {
		return "", fmt.Errorf("run summary is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := summary.ConfigChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	name := fmt.Sprintf(
		"run_%s_%s_%s.json.gz",
		summary.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
		shortID(summary.RunID),
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact loads a summary written by WriteSpoolArtifact.
func ReadSpoolArtifact(path string) (*RunSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool artifact %s: %w", path, err)
	}
	defer gz.Close()

	var summary RunSummary
	if err := json.NewDecoder(gz).Decode(&summary); err != nil {
		return nil, fmt.Errorf("failed to decode spool artifact %s: %w", path, err)
	}
	return &summary, nil
}

func shortID(id string) string {
	if id == "" {
		return "noid"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
