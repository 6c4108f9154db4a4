package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Export      ExportConfig      `yaml:"export"`
}

type CoordinatorConfig struct {
	NumCPU     int    `yaml:"ncpu"`
	CPUs       string `yaml:"cpus"`
	Scheduler  string `yaml:"scheduler"`
	SleepS     int    `yaml:"sleep_s"`
	IntervalMS int    `yaml:"interval_ms"`
	Out        string `yaml:"out"`
	PID        int    `yaml:"pid"`
	Container  string `yaml:"container"`
	GroupSize  int    `yaml:"group_size"`
	ShmName    string `yaml:"shm_name"`
	SettleMS   int    `yaml:"settle_ms"`
	Perf       bool   `yaml:"perf"`
	LogLevel   string `yaml:"log_level"`
	Debug      bool   `yaml:"debug"`

	// Parsed from CPUs (or 0..NumCPU-1) during load.
	CPUList []int `yaml:"-"`
}

type ExportConfig struct {
	Spool    bool           `yaml:"spool"`
	SpoolDir string         `yaml:"spool_dir"`
	Influx   DatabaseConfig `yaml:"influx"`
}

type DatabaseConfig struct {
	Host   string `yaml:"host"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	Token  string `yaml:"token"`
}

// Enabled reports whether an InfluxDB export target is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// SchedulerKind selects one of the scheduling policies.
type SchedulerKind string

const (
	SchedulerTracer  SchedulerKind = "tracer"
	SchedulerPinned  SchedulerKind = "pinned"
	SchedulerDefault SchedulerKind = "default"
)

// NormalizeScheduler maps user spellings onto a SchedulerKind.
func NormalizeScheduler(name string) (SchedulerKind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "_", "-")
	switch n {
	case "", "default", "load-balancing", "balance":
		return SchedulerDefault, nil
	case "tracer", "trace":
		return SchedulerTracer, nil
	case "pinned", "pinned-rr", "pinned-round-robin", "rr":
		return SchedulerPinned, nil
	}
	return "", fmt.Errorf("unknown scheduler %q", name)
}

const (
	DefaultSleepS     = 3
	DefaultIntervalMS = 100
	DefaultSettleMS   = 1000
	DefaultShmName    = "cosched.shmem"
)

func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Scheduler:  string(SchedulerDefault),
			SleepS:     DefaultSleepS,
			IntervalMS: DefaultIntervalMS,
			ShmName:    DefaultShmName,
			SettleMS:   DefaultSettleMS,
			LogLevel:   "info",
		},
	}
}

func (c *CoordinatorConfig) GetSleep() time.Duration {
	return time.Duration(c.SleepS) * time.Second
}

func (c *CoordinatorConfig) GetInterval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c *CoordinatorConfig) GetSettle() time.Duration {
	return time.Duration(c.SettleMS) * time.Millisecond
}

func (c *CoordinatorConfig) GetScheduler() SchedulerKind {
	kind, err := NormalizeScheduler(c.Scheduler)
	if err != nil {
		return SchedulerDefault
	}
	return kind
}

// TracePath returns the file the leader writes its trace to.
func (c *CoordinatorConfig) TracePath(victim int) string {
	return fmt.Sprintf("%s.%d", c.Out, victim)
}
