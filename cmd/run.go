package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosched/internal/collectors"
	"cosched/internal/config"
	"cosched/internal/cpuallocator"
	"cosched/internal/database"
	"cosched/internal/discovery"
	"cosched/internal/host"
	"cosched/internal/logging"
	"cosched/internal/loop"
	"cosched/internal/ossched"
	"cosched/internal/policy"
	"cosched/internal/procstat"
	"cosched/internal/rendezvous"
	"cosched/internal/sampler"
	"cosched/internal/trace"
	"cosched/internal/victim"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	flags := &coordinatorFlags{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one coordinator of a group",
		Long: "Start one coordinator per victim. The coordinators find each other, elect the one with " +
			"the smallest pid as leader, and the leader schedules all victims until one of them exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, content, err := flags.buildConfig(cmd)
			if err != nil {
				return err
			}
			return runCoordinator(cmd, cfg, content)
		},
	}
	flags.register(runCmd.Flags())
	return runCmd
}

type coordinator struct {
	cfg       *config.Config
	content   string
	host      *host.HostConfig
	victimPID int
	members   []int
	victims   []int
	runID     string
}

func runCoordinator(cmd *cobra.Command, cfg *config.Config, content string) error {
	logger := logging.GetLogger()

	hc, err := host.GetHostConfig()
	if err != nil {
		return fmt.Errorf("failed to read host configuration: %w", err)
	}
	if err := config.Finalize(cfg, hc.NumOnlineCPUs()); err != nil {
		return err
	}
	applyLogLevels(cmd, &cfg.Coordinator)
	c := &cfg.Coordinator

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var inspector victim.Inspector
	if c.Container != "" {
		docker, err := victim.NewDockerInspector()
		if err != nil {
			return err
		}
		defer docker.Close()
		inspector = docker
	}
	victimPID, err := victim.Resolve(ctx, c.PID, c.Container, inspector)
	if err != nil {
		return err
	}

	// The trace must not exist before any shared or scheduling state is touched.
	tracePath := c.TracePath(victimPID)
	if err := trace.CheckPath(tracePath); err != nil {
		return err
	}

	finder, err := discovery.NewFinder(nil, "run")
	if err != nil {
		return err
	}
	members, err := finder.WaitForGroup(ctx, c.GroupSize)
	if err != nil {
		return fmt.Errorf("coordinator discovery failed: %w", err)
	}

	rv, err := rendezvous.Join(rendezvous.Options{
		Path:    rendezvous.SegmentPath(c.ShmName),
		Self:    os.Getpid(),
		Members: members,
		Settle:  c.GetSettle(),
	})
	if err != nil {
		return fmt.Errorf("rendezvous failed: %w", err)
	}
	defer rv.Close()

	if err := rv.Publish(victimPID); err != nil {
		return fmt.Errorf("rendezvous failed: %w", err)
	}
	victims := rv.Targets()

	logger.WithFields(logrus.Fields{
		"leader":  rv.IsLeader(),
		"members": rv.Members(),
		"victims": victims,
	}).Info("Rendezvous complete")

	if !rv.IsLeader() {
		return nil
	}

	co := &coordinator{
		cfg:       cfg,
		content:   content,
		host:      hc,
		victimPID: victimPID,
		members:   rv.Members(),
		victims:   victims,
		runID:     uuid.NewString(),
	}
	return co.lead(ctx, tracePath)
}

// lead runs the control loop over all victims and always writes the trace, whether the
// loop ends gracefully or with an error.
func (co *coordinator) lead(ctx context.Context, tracePath string) (err error) {
	logger := logging.GetLogger()
	c := &co.cfg.Coordinator

	recorder, err := trace.NewRecorder(tracePath)
	if err != nil {
		return err
	}

	reader, err := procstat.NewReader("", co.host.ClockTick)
	if err != nil {
		return err
	}
	sched := ossched.Linux{}
	alloc, err := cpuallocator.NewCoreMapAllocator(co.host, c.CPUList, sched, logging.GetLoopLogger())
	if err != nil {
		return err
	}
	pol, err := policy.New(c.GetScheduler(), policy.Deps{
		Allocator: alloc,
		Ranker:    ossched.NewRanker(sched, co.host),
		Children:  reader,
	})
	if err != nil {
		return err
	}

	var counters *collectors.TaskCollectors
	opts := loop.Options{
		Policy:   pol,
		Sampler:  sampler.New(reader, c.CPUList),
		Recorder: recorder,
		Guard:    ossched.NewPriorityGuard(sched, co.host),
		PinSelf:  func() error { return pinProcess(reader, sched, os.Getpid(), c.CPUList[0]) },
		Stop:     ctx.Done(),
		Settle:   c.GetSleep(),
		Interval: c.GetInterval(),
	}
	if c.Perf {
		counters = collectors.NewTaskCollectors(co.victims, nil)
		defer counters.Close()
		opts.Counters = counters
	}

	logger.WithFields(logrus.Fields{
		"run_id":    co.runID,
		"scheduler": pol.Name(),
		"cpus":      config.FormatCPUSpec(c.CPUList),
		"trace":     tracePath,
	}).Info("Leading the group")

	res, err := loop.Run(opts, co.victims)

	if ferr := recorder.Flush(); ferr != nil {
		logger.WithError(ferr).Error("Failed to write trace")
		if err == nil {
			err = ferr
		}
	}
	co.export(ctx, res, err, recorder, counters)
	return err
}

func (co *coordinator) export(ctx context.Context, res *loop.Result, runErr error, recorder *trace.Recorder, counters *collectors.TaskCollectors) {
	logger := logging.GetLogger()
	exp := co.cfg.Export
	if !exp.Spool && !exp.Influx.Enabled() {
		return
	}

	summary := co.summary(res, runErr, recorder, counters)

	if exp.Spool {
		path, err := database.WriteSpoolArtifact(exp.SpoolDir, summary)
		if err != nil {
			logger.WithError(err).Error("Failed to write run summary")
		} else {
			logger.WithField("path", path).Info("Run summary spooled")
		}
	}

	if exp.Influx.Enabled() {
		idb, err := database.NewInfluxDBClient(exp.Influx)
		if err != nil {
			logger.WithError(err).Error("Skipping InfluxDB export")
			return
		}
		defer idb.Close()

		wctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := idb.WriteTrace(wctx, summary, recorder.Records()); err != nil {
			logger.WithError(err).Error("Failed to export trace")
			return
		}
		if err := idb.WriteSummary(wctx, summary); err != nil {
			logger.WithError(err).Error("Failed to export run summary")
			return
		}
		logger.WithField("run_id", summary.RunID).Info("Exported run to InfluxDB")
	}
}

func (co *coordinator) summary(res *loop.Result, runErr error, recorder *trace.Recorder, counters *collectors.TaskCollectors) *database.RunSummary {
	c := &co.cfg.Coordinator
	checksum, _ := config.Checksum(co.cfg)

	s := &database.RunSummary{
		Version:        1,
		RunID:          co.runID,
		CreatedAt:      time.Now(),
		Hostname:       co.host.Hostname,
		KernelVersion:  co.host.KernelVersion,
		CPUModel:       co.host.CPUModel,
		Scheduler:      string(c.GetScheduler()),
		ConfigChecksum: checksum,
		CPUs:           c.CPUList,
		IntervalMS:     c.IntervalMS,
		Members:        co.members,
		Victims:        co.victims,
		TracePath:      recorder.Path(),
		Records:        recorder.Len(),
		ConfigContent:  co.content,
	}
	if res != nil {
		s.StartTime = res.Started
		s.EndTime = res.Finished
		s.Iterations = res.Iterations
		s.Rebalances = res.Rebalances
		s.FinalTasks = res.Tasks
	}
	switch {
	case runErr != nil:
		s.ExitReason = runErr.Error()
	case res != nil && res.Gone != nil:
		s.ExitReason = res.Gone.Error()
	case res != nil && res.Stopped:
		s.ExitReason = "interrupted"
	}
	if counters != nil {
		s.Perf = counters.Totals()
	}
	return s
}

// pinProcess pins every thread of pid to cpu.
func pinProcess(reader *procstat.Reader, sched ossched.Scheduler, pid, cpu int) error {
	threads, err := reader.Threads(pid)
	if err != nil {
		return err
	}
	for _, tid := range threads {
		if err := sched.SetAffinity(tid, cpu); err != nil && !ossched.IsGone(err) {
			return err
		}
	}
	return nil
}
