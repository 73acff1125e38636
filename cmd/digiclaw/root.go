package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/logger"
)

const defaultConfigPath = "~/.digiclaw/config.yaml"

// app carries what PersistentPreRunE loaded for the subcommands.
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "digiclaw",
		Short: "digiclaw: a personal study and productivity agent",
		Long: "digiclaw runs an LLM agent that answers chat messages, keeps long-term memory, " +
			"and proactively reminds you about deadlines, classes and your daily plan.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newGatewayCmd(a),
		newAgentCmd(a),
		newStatusCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

func (a *app) load() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := logger.Init(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   config.ExpandHome(cfg.Logging.File),
	}); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}
