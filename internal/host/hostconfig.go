package host

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"cosched/internal/config"
	"cosched/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"
)

// HostConfig contains the host facts the scheduler depends on.
// This is initialized once at startup and used throughout the application
type HostConfig struct {
	// CPU Information
	CPUModel   string
	OnlineCPUs []int

	// Clock ticks per second used by /proc accounting (USER_HZ)
	ClockTick uint64

	// Real-time scheduling information
	RT RTConfig

	// System Information
	Hostname      string
	OSInfo        string
	KernelVersion string

	logger *logrus.Logger
}

// RTConfig describes the SCHED_FIFO priority range available to this process.
type RTConfig struct {
	FIFOMin int
	FIFOMax int
	// Hard RLIMIT_RTPRIO; -1 when unlimited.
	RLimitMax int
}

const defaultClockTick = 100

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
)

// GetHostConfig returns the global host configuration
// It initializes the configuration on first call
func GetHostConfig() (*HostConfig, error) {
	var err error
	hostConfigOnce.Do(func() {
		globalHostConfig, err = initializeHostConfig()
	})
	return globalHostConfig, err
}

func initializeHostConfig() (*HostConfig, error) {
	logger := logging.GetLogger()
	logger.Debug("Initializing host configuration")

	hc := &HostConfig{
		logger: logger,
	}

	if err := hc.initSystemInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize system info: %w", err)
	}

	if err := hc.initCPUInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize CPU info: %w", err)
	}

	if err := hc.initRTInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize real-time scheduling info: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"cpu_model":   hc.CPUModel,
		"online_cpus": config.FormatCPUSpec(hc.OnlineCPUs),
		"clock_tick":  hc.ClockTick,
		"fifo_min":    hc.RT.FIFOMin,
		"fifo_max":    hc.RT.FIFOMax,
		"rtprio_max":  hc.RT.RLimitMax,
	}).Debug("Host configuration initialized")

	return hc, nil
}

func (hc *HostConfig) initSystemInfo() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	hc.Hostname = hostname
	hc.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		hc.KernelVersion = unix.ByteSliceToString(uts.Release[:])
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}
	return nil
}

func (hc *HostConfig) initCPUInfo() error {
	hc.CPUModel = "unknown"
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") {
				parts := strings.SplitN(line, ":", 2)
				if len(parts) == 2 {
					hc.CPUModel = strings.TrimSpace(parts[1])
				}
				break
			}
		}
	}

	online, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err == nil {
		cpus, perr := config.ParseCPUSpec(strings.TrimSpace(string(online)))
		if perr == nil {
			hc.OnlineCPUs = cpus
		}
	}
	if len(hc.OnlineCPUs) == 0 {
		hc.OnlineCPUs = make([]int, runtime.NumCPU())
		for i := range hc.OnlineCPUs {
			hc.OnlineCPUs[i] = i
		}
	}

	tick, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || tick <= 0 {
		hc.logger.WithError(err).Warn("Failed to query clock tick rate, assuming 100 Hz")
		tick = defaultClockTick
	}
	hc.ClockTick = uint64(tick)
	return nil
}

func (hc *HostConfig) initRTInfo() error {
	lo, _, errno := unix.RawSyscall(unix.SYS_SCHED_GET_PRIORITY_MIN, unix.SCHED_FIFO, 0, 0)
	if errno != 0 {
		return fmt.Errorf("sched_get_priority_min: %w", errno)
	}
	hi, _, errno := unix.RawSyscall(unix.SYS_SCHED_GET_PRIORITY_MAX, unix.SCHED_FIFO, 0, 0)
	if errno != 0 {
		return fmt.Errorf("sched_get_priority_max: %w", errno)
	}
	hc.RT.FIFOMin = int(lo)
	hc.RT.FIFOMax = int(hi)

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_RTPRIO, &rlim); err != nil {
		return fmt.Errorf("getrlimit(RLIMIT_RTPRIO): %w", err)
	}
	if rlim.Max == unix.RLIM_INFINITY {
		hc.RT.RLimitMax = -1
	} else {
		hc.RT.RLimitMax = int(rlim.Max)
	}
	return nil
}

// NumOnlineCPUs returns how many logical CPUs are online.
func (hc *HostConfig) NumOnlineCPUs() int {
	n := 0
	for _, cpu := range hc.OnlineCPUs {
		if cpu+1 > n {
			n = cpu + 1
		}
	}
	return n
}

// ControllerPriority is the SCHED_FIFO priority the controller raises itself to:
// the maximum priority, capped by the hard RLIMIT_RTPRIO.
func (hc *HostConfig) ControllerPriority() int {
	prio := hc.RT.FIFOMax
	if hc.RT.RLimitMax >= 0 && hc.RT.RLimitMax < prio {
		prio = hc.RT.RLimitMax
	}
	return prio
}

// TaskPriority converts a task rank into a SCHED_FIFO priority. Rank 1 maps to FIFOMin;
// FIFOMax stays reserved for the controller.
func (hc *HostConfig) TaskPriority(rank int) int {
	return ClampRank(rank, hc.RT.FIFOMin, hc.RT.FIFOMax)
}

// ClampRank maps rank onto [lo, hi-1] as min(rank+lo-1, hi-1).
func ClampRank(rank, lo, hi int) int {
	if rank < 1 {
		rank = 1
	}
	prio := rank + lo - 1
	if prio > hi-1 {
		prio = hi - 1
	}
	return prio
}
