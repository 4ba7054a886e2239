package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleet/api/model"
	"fleet/cli/style"
)

var (
	schedRegion  string
	schedReq     model.Capacity
	schedExplain bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Ask which node a resource with the given requirement would land on",
	Long: `Ask the scheduler for a placement. Nothing is reserved: the answer reflects
the last heartbeat of every online node in the region.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := client.Schedule(schedRegion, schedReq, schedExplain)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		fmt.Printf("  %s %s\n", style.Key.Render("Node"), style.Bold.Render(p.NodeID))
		if !schedExplain {
			return nil
		}
		fmt.Println()
		header := fmt.Sprintf("  %-38s %-16s %s", "NODE", "NAME", "SCORE")
		fmt.Println(style.TableHeader.Render(header))
		for i, c := range p.Candidates {
			line := fmt.Sprintf("  %-38s %-16s %.3f", c.Node.ID, c.Node.Name, c.Score)
			if i == 0 {
				line = style.Healthy.Render(line)
			}
			fmt.Println(line)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&schedRegion, "region", "", "Region to place in")
	scheduleCmd.Flags().Int64Var(&schedReq.CPUMillicores, "cpu", 0, "CPU in millicores")
	scheduleCmd.Flags().Int64Var(&schedReq.MemoryMB, "mem", 0, "Memory in MB")
	scheduleCmd.Flags().Int64Var(&schedReq.DiskMB, "disk", 0, "Disk in MB")
	scheduleCmd.Flags().BoolVar(&schedExplain, "explain", false, "List every qualifying node with its score")
	scheduleCmd.MarkFlagRequired("region")
	rootCmd.AddCommand(scheduleCmd)
}
