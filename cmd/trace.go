package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cosched/internal/config"
	"cosched/internal/host"
	"cosched/internal/logging"
	"cosched/internal/loop"
	"cosched/internal/ossched"
	"cosched/internal/policy"
	"cosched/internal/procstat"
	"cosched/internal/sampler"
	"cosched/internal/trace"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type traceFlags struct {
	out      string
	interval time.Duration
}

func newTraceCommand() *cobra.Command {
	flags := &traceFlags{}

	traceCmd := &cobra.Command{
		Use:   "trace <cpu> <pid>",
		Short: "Trace a single victim pinned to one CPU",
		Long: "Record the CPU times of one victim and the idle time of its CPU until the victim exits. " +
			"The victim must already be pinned to exactly that CPU; nothing is scheduled.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cpu, err := strconv.Atoi(args[0])
			if err != nil || cpu < 0 {
				return fmt.Errorf("invalid cpu %q", args[0])
			}
			pid, err := strconv.Atoi(args[1])
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid %q", args[1])
			}
			if flags.out == "" {
				return fmt.Errorf("output prefix is required")
			}
			return runTrace(cpu, pid, flags)
		},
	}
	traceCmd.Flags().StringVarP(&flags.out, "out", "o", "", "Trace output prefix; writes <prefix>.<pid>")
	traceCmd.Flags().DurationVar(&flags.interval, "interval", time.Duration(config.DefaultIntervalMS)*time.Millisecond, "Delay between snapshots")
	return traceCmd
}

func runTrace(cpu, pid int, flags *traceFlags) error {
	logger := logging.GetLogger()

	coord := config.CoordinatorConfig{Out: flags.out}
	tracePath := coord.TracePath(pid)
	if err := trace.CheckPath(tracePath); err != nil {
		return err
	}

	hc, err := host.GetHostConfig()
	if err != nil {
		return fmt.Errorf("failed to read host configuration: %w", err)
	}
	if cpu >= hc.NumOnlineCPUs() {
		return fmt.Errorf("cpu %d is not online (%d online)", cpu, hc.NumOnlineCPUs())
	}

	sched := ossched.Linux{}
	pinned, err := ossched.PinnedTo(sched, pid, cpu)
	if err != nil {
		return fmt.Errorf("failed to read affinity of pid %d: %w", pid, err)
	}
	if !pinned {
		return fmt.Errorf("pid %d must be pinned to cpu %d and nothing else", pid, cpu)
	}

	reader, err := procstat.NewReader("", hc.ClockTick)
	if err != nil {
		return err
	}
	recorder, err := trace.NewRecorder(tracePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"cpu":   cpu,
		"pid":   pid,
		"trace": tracePath,
	}).Info("Tracing victim")

	res, err := loop.Run(loop.Options{
		Policy:   policy.NewTracer(),
		Sampler:  sampler.New(reader, []int{cpu}),
		Recorder: recorder,
		PinSelf:  func() error { return pinProcess(reader, sched, os.Getpid(), cpu) },
		Stop:     ctx.Done(),
		Interval: flags.interval,
	}, []int{pid})

	if ferr := recorder.Flush(); ferr != nil {
		logger.WithError(ferr).Error("Failed to write trace")
		if err == nil {
			err = ferr
		}
	}
	if res != nil {
		logger.WithFields(logrus.Fields{
			"snapshots": res.Iterations,
			"records":   recorder.Len(),
		}).Info("Trace finished")
	}
	return err
}
