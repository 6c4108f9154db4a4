package cmd

import (
	"time"

	"cosched/internal/config"
	"cosched/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// coordinatorFlags mirror the coordinator section of the config file. A flag only
// overrides the file when it was set explicitly.
type coordinatorFlags struct {
	configFile string
	pid        int
	container  string
	out        string
	ncpu       int
	cpus       string
	scheduler  string
	sleep      time.Duration
	interval   time.Duration
	settle     time.Duration
	groupSize  int
	shmName    string
	perf       bool
	spool      bool
	spoolDir   string
}

func (f *coordinatorFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configFile, "config", "c", "", "Path to configuration file")
	fs.IntVarP(&f.pid, "pid", "p", 0, "Victim process id")
	fs.StringVar(&f.container, "container", "", "Track the init process of this Docker container")
	fs.StringVarP(&f.out, "out", "o", "", "Trace output prefix; the leader writes <prefix>.<victim pid>")
	fs.IntVar(&f.ncpu, "ncpu", 0, "Number of cores to schedule on (default: all listed or online)")
	fs.StringVar(&f.cpus, "cpus", "", "CPU list the core indices map onto, e.g. 0-3,8")
	fs.StringVar(&f.scheduler, "sched", "", "Scheduling policy (tracer, pinned, default)")
	fs.DurationVar(&f.sleep, "sleep", time.Duration(config.DefaultSleepS)*time.Second, "Delay before the initial distribution")
	fs.DurationVar(&f.interval, "interval", time.Duration(config.DefaultIntervalMS)*time.Millisecond, "Delay between iterations")
	fs.DurationVar(&f.settle, "settle", time.Duration(config.DefaultSettleMS)*time.Millisecond, "Delay before resuming peers during the rendezvous")
	fs.IntVar(&f.groupSize, "group-size", 0, "Wait until this many coordinators run (0: take whoever runs now)")
	fs.StringVar(&f.shmName, "shm-name", config.DefaultShmName, "Name of the shared memory segment")
	fs.BoolVar(&f.perf, "perf", false, "Collect perf scheduling counters per task")
	fs.BoolVar(&f.spool, "spool", false, "Write a compressed run summary")
	fs.StringVar(&f.spoolDir, "spool-dir", "", "Directory for run summaries")
}

// buildConfig loads the config file when one is given and applies explicitly set flags.
func (f *coordinatorFlags) buildConfig(cmd *cobra.Command) (*config.Config, string, error) {
	logger := logging.GetLogger()

	cfg := config.Default()
	content := ""
	if f.configFile != "" {
		loaded, raw, err := config.LoadConfigWithContent(f.configFile)
		if err != nil {
			logger.WithField("config_file", f.configFile).WithError(err).Error("Failed to load configuration")
			return nil, "", err
		}
		cfg, content = loaded, raw
	}

	c := &cfg.Coordinator
	changed := cmd.Flags().Changed
	if changed("pid") {
		c.PID = f.pid
	}
	if changed("container") {
		c.Container = f.container
	}
	if changed("out") {
		c.Out = f.out
	}
	if changed("ncpu") {
		c.NumCPU = f.ncpu
	}
	if changed("cpus") {
		c.CPUs = f.cpus
	}
	if changed("sched") {
		c.Scheduler = f.scheduler
	}
	if changed("sleep") {
		c.SleepS = int(f.sleep / time.Second)
	}
	if changed("interval") {
		c.IntervalMS = int(f.interval / time.Millisecond)
	}
	if changed("settle") {
		c.SettleMS = int(f.settle / time.Millisecond)
	}
	if changed("group-size") {
		c.GroupSize = f.groupSize
	}
	if changed("shm-name") {
		c.ShmName = f.shmName
	}
	if changed("perf") {
		c.Perf = f.perf
	}
	if changed("spool") {
		cfg.Export.Spool = f.spool
	}
	if changed("spool-dir") {
		cfg.Export.SpoolDir = f.spoolDir
	}
	return cfg, content, nil
}

// applyLogLevels sets the levels from the config unless --log-level was given.
func applyLogLevels(cmd *cobra.Command, c *config.CoordinatorConfig) {
	logger := logging.GetLogger()

	if !cmd.Flags().Changed("log-level") && c.LogLevel != "" {
		if err := logging.SetLogLevel(c.LogLevel); err != nil {
			logger.WithField("log_level", c.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
			logging.SetLogLevel("info")
		}
	}
	if c.Debug {
		logging.SetLoopLogLevel("debug")
	}
}
