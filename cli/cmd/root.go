package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"fleet/cli/api"
)

var (
	apiURL   string
	apiToken string
	client   *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Operator CLI for the node fleet control plane",
	Long: `fleetctl drives the fleet control plane.

Issue registration tokens, inspect nodes and their liveness, take nodes out of
scheduling, enqueue and cancel tasks, and ask the scheduler where a resource
would land.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL, apiToken)
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("FLEET_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8900"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "Fleet API URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("FLEET_API_TOKEN"), "Operator API token")
}
