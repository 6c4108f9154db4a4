package cpuallocator

import (
	"fmt"
	"sync"

	"cosched/internal/config"
	"cosched/internal/host"

	"github.com/sirupsen/logrus"
)

// Allocator translates the core indices policies work with (0..C-1) into the CPU ids
// configured for the run and pins processes onto them.
type Allocator interface {
	// NumCores is C, the number of usable cores.
	NumCores() int

	// CPU returns the CPU id behind core index.
	CPU(core int) (int, error)

	// Pin restricts pid to the CPU of core and records the assignment.
	// A failed pin leaves the previous assignment in place.
	Pin(pid int, core int) error
}

// Applies a single-CPU affinity to a running process. ossched.Linux implements it.
type AffinityApplier interface {
	SetAffinity(pid, cpu int) error
}

type CoreMapAllocator struct {
	cpus     []int
	logger   logrus.FieldLogger
	affinity AffinityApplier
	mu       sync.Mutex
	assigned map[int]int // pid -> core index
}

// NewCoreMapAllocator maps core index i onto cpus[i]. Every cpu must be online on the host.
func NewCoreMapAllocator(hostConfig *host.HostConfig, cpus []int, applier AffinityApplier, logger logrus.FieldLogger) (*CoreMapAllocator, error) {
	if hostConfig == nil {
		return nil, fmt.Errorf("host config is nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("affinity applier is not configured")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}
	if err := validateCPUs(hostConfig, cpus); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"cpus":   cpus,
		"cpuset": config.FormatCPUSpec(cpus),
	}).Debug("Configured core map")

	return &CoreMapAllocator{
		cpus:     append([]int(nil), cpus...),
		logger:   logger,
		affinity: applier,
		assigned: make(map[int]int),
	}, nil
}

func (a *CoreMapAllocator) NumCores() int {
	return len(a.cpus)
}

func (a *CoreMapAllocator) CPU(core int) (int, error) {
	if core < 0 || core >= len(a.cpus) {
		return 0, fmt.Errorf("core index %d out of range [0, %d)", core, len(a.cpus))
	}
	return a.cpus[core], nil
}

func (a *CoreMapAllocator) Pin(pid int, core int) error {
	cpu, err := a.CPU(core)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	old, had := a.assigned[pid]

	if err := a.affinity.SetAffinity(pid, cpu); err != nil {
		return fmt.Errorf("failed to pin pid %d to core %d (cpu %d): %w", pid, core, cpu, err)
	}
	a.assigned[pid] = core

	fields := logrus.Fields{
		"pid":  pid,
		"core": core,
		"cpu":  cpu,
	}
	if had && old != core {
		fields["from_core"] = old
	}
	a.logger.WithFields(fields).Trace("Pinned process")
	return nil
}

func validateCPUs(hostConfig *host.HostConfig, cpus []int) error {
	online := make(map[int]bool, len(hostConfig.OnlineCPUs))
	for _, cpu := range hostConfig.OnlineCPUs {
		online[cpu] = true
	}
	seen := make(map[int]bool, len(cpus))
	for _, cpu := range cpus {
		if seen[cpu] {
			return fmt.Errorf("cpu %d listed twice", cpu)
		}
		seen[cpu] = true
		if len(online) > 0 && !online[cpu] {
			return fmt.Errorf("cpu %d is not online", cpu)
		}
	}
	return nil
}
