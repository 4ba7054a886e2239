package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fleet/agent/worker"
)

var (
	runHeartbeat time.Duration
	runDisk      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the control plane and execute tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := worker.LoadState(statePath)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("not registered: run `fleet-agent register` first")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info().Str("component", "agent").Str("node", st.NodeID).Str("api", st.APIURL).Msg("agent starting")
		a := worker.New(st, worker.Options{
			HeartbeatInterval: runHeartbeat,
			Sampler:           worker.HostSampler{DiskPath: runDisk},
		})
		if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Str("component", "agent").Msg("agent stopped")
		return nil
	},
}

func init() {
	runCmd.Flags().DurationVar(&runHeartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")
	runCmd.Flags().StringVar(&runDisk, "disk-path", "", "Filesystem reported in heartbeats")
	rootCmd.AddCommand(runCmd)
}
