package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fleet/agent/worker"
)

var (
	statePath string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "fleet-agent",
	Short: "Worker agent for the node fleet control plane",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&statePath, "state", worker.DefaultStatePath(), "Path of the agent state file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")
}
