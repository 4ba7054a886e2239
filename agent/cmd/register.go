package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fleet/agent/worker"
)

var (
	registerToken string
	registerAPI   string
	registerName  string
	registerDisk  string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Redeem a registration token and store the node credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		existing, err := worker.LoadState(statePath)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("already registered as %s (state %s)", existing.NodeID, statePath)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		st, err := worker.Register(ctx, registerAPI, registerToken, registerName, worker.HostSampler{DiskPath: registerDisk})
		if err != nil {
			return err
		}
		if err := st.Save(statePath); err != nil {
			return err
		}
		fmt.Printf("Registered node %s in %s\n", st.NodeID, st.Region)
		return nil
	},
}

func init() {
	api := os.Getenv("FLEET_URL")
	if api == "" {
		api = "http://localhost:8900"
	}
	registerCmd.Flags().StringVar(&registerToken, "token", "", "Registration token issued by fleetctl token issue")
	registerCmd.Flags().StringVar(&registerAPI, "api", api, "Fleet API URL")
	registerCmd.Flags().StringVar(&registerName, "name", "", "Node name (defaults to the hostname)")
	registerCmd.Flags().StringVar(&registerDisk, "disk-path", "", "Filesystem whose size is reported as disk capacity")
	registerCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(registerCmd)
}
