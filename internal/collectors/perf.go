package collectors

import (
	"fmt"
	"sync"
	"time"

	"cosched/internal/logging"

	"github.com/elastic/go-perf"
	"github.com/sirupsen/logrus"
)

type eventState struct {
	value   uint64
	enabled time.Duration
	running time.Duration
}

// Counters are the perf event deltas of one task over one interval. A nil field means
// the event could not be opened or did not advance.
type Counters struct {
	ContextSwitches *uint64 `json:"context_switches,omitempty"`
	CPUMigrations   *uint64 `json:"cpu_migrations,omitempty"`
	TaskClockNS     *uint64 `json:"task_clock_ns,omitempty"`
	Instructions    *uint64 `json:"instructions,omitempty"`
	Cycles          *uint64 `json:"cycles,omitempty"`

	InstructionsPerCycle *float64 `json:"instructions_per_cycle,omitempty"`
}

// PerfCollector counts scheduling events of one process on any CPU.
type PerfCollector struct {
	pid    int
	events []*perf.Event

	lastState map[int]*eventState
	mutex     sync.Mutex
}

// NewPerfCollector opens the software scheduling counters for pid. Hardware counters
// are added when the PMU exposes them and skipped otherwise.
func NewPerfCollector(pid int) (*PerfCollector, error) {
	logger := logging.GetLogger()

	collector := &PerfCollector{
		pid:       pid,
		lastState: make(map[int]*eventState),
	}

	softwareCounters := []perf.SoftwareCounter{
		perf.ContextSwitches,
		perf.CPUMigrations,
		perf.TaskClock,
	}
	hardwareCounters := []perf.HardwareCounter{
		perf.Instructions,
		perf.CPUCycles,
	}

	for _, counter := range softwareCounters {
		attr := &perf.Attr{}
		counter.Configure(attr)
		// Enable time tracking for multiplexing correction
		attr.CountFormat.Enabled = true
		attr.CountFormat.Running = true
		event, err := perf.Open(attr, pid, perf.AnyCPU, nil)
		if err != nil {
			collector.Close()
			logger.WithFields(logrus.Fields{
				"counter": counter,
				"pid":     pid,
			}).WithError(err).Error("Failed to open perf event")
			return nil, err
		}
		collector.events = append(collector.events, event)
	}

	for _, counter := range hardwareCounters {
		attr := &perf.Attr{}
		counter.Configure(attr)
		attr.CountFormat.Enabled = true
		attr.CountFormat.Running = true
		event, err := perf.Open(attr, pid, perf.AnyCPU, nil)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"counter": counter,
				"pid":     pid,
			}).WithError(err).Warn("Failed to open hardware perf event, continuing without it")
			continue
		}
		collector.events = append(collector.events, event)
	}

	for _, event := range collector.events {
		if err := event.Enable(); err != nil {
			collector.Close()
			return nil, fmt.Errorf("failed to enable perf event: %w", err)
		}
	}

	return collector, nil
}

// Collect returns the counter deltas since the previous call. The first call only
// establishes the starting point and returns nil.
func (pc *PerfCollector) Collect() *Counters {
	if len(pc.events) == 0 {
		return nil
	}

	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	sums := make(map[string]uint64)
	first := true

	for i, event := range pc.events {
		count, err := event.ReadCount()
		if err != nil {
			continue
		}

		currentValue := count.Value
		currentEnabled := count.Enabled
		currentRunning := count.Running

		if last, exists := pc.lastState[i]; exists {
			first = false
			deltaValue := currentValue - last.value
			deltaEnabled := currentEnabled - last.enabled
			deltaRunning := currentRunning - last.running

			// Scale by enabled/running time when the event was multiplexed
			scaled := deltaValue
			if deltaRunning > 0 && deltaEnabled > 0 && deltaRunning != deltaEnabled {
				scaled = uint64(float64(deltaValue) * float64(deltaEnabled) / float64(deltaRunning))
			}
			sums[count.Label] += scaled
		}

		pc.lastState[i] = &eventState{
			value:   currentValue,
			enabled: currentEnabled,
			running: currentRunning,
		}
	}

	if first {
		return nil
	}
	return countersFromSums(sums)
}

func countersFromSums(sums map[string]uint64) *Counters {
	setValue := func(label string) *uint64 {
		if val, ok := sums[label]; ok && val > 0 {
			v := val
			return &v
		}
		return nil
	}

	c := &Counters{
		ContextSwitches: setValue("context-switches"),
		CPUMigrations:   setValue("cpu-migrations"),
		TaskClockNS:     setValue("task-clock"),
		Instructions:    setValue("instructions"),
		Cycles:          setValue("cpu-cycles"),
	}
	if c.Instructions != nil && c.Cycles != nil && *c.Cycles > 0 {
		ipc := float64(*c.Instructions) / float64(*c.Cycles)
		c.InstructionsPerCycle = &ipc
	}
	return c
}

func (pc *PerfCollector) Close() {
	for _, event := range pc.events {
		if event != nil {
			event.Close()
		}
	}
	pc.events = nil
}
