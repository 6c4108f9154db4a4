package cmd

import (
	"fmt"

	"cosched/internal/config"
	"cosched/internal/host"
	"cosched/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	flags := &coordinatorFlags{}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration a coordinator would run with",
		Long: "Load the configuration file, apply the given flags and validate the result against " +
			"this host. Takes the same flags as run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.buildConfig(cmd)
			if err != nil {
				return err
			}
			return validateConfig(cfg, flags.configFile)
		},
	}
	flags.register(validateCmd.Flags())
	return validateCmd
}

func validateConfig(cfg *config.Config, source string) error {
	logger := logging.GetLogger()

	hc, err := host.GetHostConfig()
	if err != nil {
		return fmt.Errorf("failed to read host configuration: %w", err)
	}
	if err := config.Finalize(cfg, hc.NumOnlineCPUs()); err != nil {
		return err
	}
	checksum, err := config.Checksum(cfg)
	if err != nil {
		return err
	}

	c := &cfg.Coordinator
	logger.WithFields(logrus.Fields{
		"config_file": source,
		"scheduler":   c.GetScheduler(),
		"cpus":        config.FormatCPUSpec(c.CPUList),
		"interval":    c.GetInterval(),
		"group_size":  c.GroupSize,
		"checksum":    checksum,
	}).Info("Configuration is valid")
	return nil
}
