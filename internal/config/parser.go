package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"cosched/internal/logging"

	"gopkg.in/yaml.v3"
)

func LoadConfig(filepath string) (*Config, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

// LoadConfigWithContent reads, expands and parses the YAML file on top of Default().
// The returned config is not validated yet: flags may still override fields.
func LoadConfigWithContent(filepath string) (*Config, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)

	// Expand environment variables
	expanded := expandEnvVars(originalContent)

	config := Default()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}

	return config, originalContent, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// Finalize resolves derived fields and validates the configuration.
// onlineCPUs is the number of CPUs the host reports online.
func Finalize(config *Config, onlineCPUs int) error {
	c := &config.Coordinator

	if c.CPUs != "" {
		cpus, err := ParseCPUSpec(c.CPUs)
		if err != nil {
			return fmt.Errorf("invalid CPU specification '%s': %w", c.CPUs, err)
		}
		c.CPUList = cpus
		if c.NumCPU == 0 {
			c.NumCPU = len(cpus)
		}
	} else {
		if c.NumCPU == 0 {
			c.NumCPU = onlineCPUs
		}
		c.CPUList = make([]int, c.NumCPU)
		for i := range c.CPUList {
			c.CPUList[i] = i
		}
	}

	if err := validateConfig(config, onlineCPUs); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func validateConfig(config *Config, onlineCPUs int) error {
	c := &config.Coordinator

	if c.NumCPU <= 0 {
		return fmt.Errorf("ncpu must be greater than 0")
	}
	if len(c.CPUList) < c.NumCPU {
		return fmt.Errorf("ncpu %d exceeds the %d CPUs listed", c.NumCPU, len(c.CPUList))
	}
	c.CPUList = c.CPUList[:c.NumCPU]
	for _, cpu := range c.CPUList {
		if cpu < 0 || (onlineCPUs > 0 && cpu >= onlineCPUs) {
			return fmt.Errorf("cpu %d is not online (host has %d)", cpu, onlineCPUs)
		}
	}

	if _, err := NormalizeScheduler(c.Scheduler); err != nil {
		return err
	}

	if c.Out == "" {
		return fmt.Errorf("output prefix is required")
	}
	if c.PID <= 0 && c.Container == "" {
		return fmt.Errorf("a victim pid or container is required")
	}
	if c.PID > 0 && c.Container != "" {
		return fmt.Errorf("pid and container are mutually exclusive")
	}

	if c.SleepS < 0 {
		return fmt.Errorf("sleep must not be negative")
	}
	if c.IntervalMS <= 0 {
		return fmt.Errorf("interval must be greater than 0")
	}
	if c.SettleMS < 0 {
		return fmt.Errorf("settle must not be negative")
	}
	if c.GroupSize < 0 {
		return fmt.Errorf("group size must not be negative")
	}
	if c.ShmName == "" || strings.Contains(c.ShmName, "/") {
		return fmt.Errorf("invalid shared memory name %q", c.ShmName)
	}

	db := config.Export.Influx
	if db.Enabled() && (db.Org == "" || db.Bucket == "" || db.Token == "") {
		return fmt.Errorf("incomplete influx export configuration")
	}

	return nil
}
