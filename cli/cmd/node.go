package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleet/api/model"
	"fleet/cli/api"
	"fleet/cli/style"
)

var (
	nodeRegion string
	nodeOnline bool
	nodeDrain  bool
)

var nodeCmd = &cobra.Command{
	Use:     "node",
	Short:   "Inspect and manage worker nodes",
	Aliases: []string{"nodes"},
}

var nodeListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List nodes",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := client.ListNodes(nodeRegion, nodeOnline)
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		if len(nodes) == 0 {
			fmt.Println(style.DimText.Render("No nodes. Issue a token with `fleetctl token issue`."))
			return nil
		}
		fmt.Println(style.Banner.Render("⚡ NODES") + style.Subtitle.Render(fmt.Sprintf("  %d node(s)", len(nodes))))
		header := fmt.Sprintf("  %-2s  %-10s %-16s %-10s %-13s %-12s %-12s %-14s %s",
			"", "ID", "NAME", "REGION", "STATUS", "CPU", "MEM", "DISK", "HEARTBEAT")
		fmt.Println(style.TableHeader.Render(header))
		for _, n := range nodes {
			printNodeRow(n)
		}
		fmt.Println()
		return nil
	},
}

func printNodeRow(n api.Node) {
	dot := style.DotDim
	if n.Reachable {
		dot = style.DotHealthy
	} else if n.Status == model.NodeOnline {
		dot = style.DotWarning
	}
	status := string(n.Status)
	if n.Override != model.OverrideNone {
		status += "/" + string(n.Override)
	}
	fmt.Printf("  %s  %-10s %s %-10s %s %-12s %-12s %-14s %s\n",
		dot,
		shortID(n.ID),
		style.Bold.Render(padRight(n.Name, 16)),
		n.Region,
		nodeStatusLabel(n.Node, status),
		usage(n.Usage.CPUMillicores, n.Capacity.CPUMillicores),
		usage(n.Usage.MemoryMB, n.Capacity.MemoryMB),
		usage(n.Usage.DiskMB, n.Capacity.DiskMB),
		style.DimText.Render(ago(n.LastHeartbeat)),
	)
}

// nodeStatusLabel shows status plus any override, e.g. online/maintenance.
func nodeStatusLabel(n model.Node, label string) string {
	if label == string(n.Status) {
		return nodeStatus(n, 13)
	}
	return style.Warning.Render(padRight(label, 13))
}

var nodeGetCmd = &cobra.Command{
	Use:   "get <node-id>",
	Short: "Show one node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.GetNode(args[0])
		if err != nil {
			return fmt.Errorf("get node: %w", err)
		}
		printNode(n)
		return nil
	},
}

func printNode(n *api.Node) {
	fmt.Println(style.Banner.Render("⚡ " + n.ID))
	kv := func(k, v string) { fmt.Printf("  %s %s\n", style.Key.Render(k), style.Val.Render(v)) }
	kv("Name", n.Name)
	kv("Org", n.Org)
	kv("Region", n.Region)
	kv("Hostname", n.Hostname)
	fmt.Printf("  %s %s\n", style.Key.Render("Status"), nodeStatus(n.Node, 0))
	if n.Override != model.OverrideNone {
		fmt.Printf("  %s %s\n", style.Key.Render("Override"), style.Warning.Render(string(n.Override)))
	}
	fmt.Printf("  %s %s\n", style.Key.Render("Channel"), style.StatusDot(n.Reachable))
	kv("CPU", usage(n.Usage.CPUMillicores, n.Capacity.CPUMillicores)+" millicores")
	kv("Memory", usage(n.Usage.MemoryMB, n.Capacity.MemoryMB)+" MB")
	kv("Disk", usage(n.Usage.DiskMB, n.Capacity.DiskMB)+" MB")
	kv("Containers", fmt.Sprint(n.Usage.Containers))
	kv("Heartbeat", ago(n.LastHeartbeat))
	fmt.Println()
}

func overrideCmd(use, short string, o model.NodeOverride) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <node-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := client.SetOverride(args[0], o)
			if err != nil {
				return fmt.Errorf("%s node: %w", use, err)
			}
			fmt.Println(style.SuccessBox.Render(fmt.Sprintf("%s: override %q", n.ID, n.Override)))
			return nil
		},
	}
}

var nodeRemoveCmd = &cobra.Command{
	Use:     "remove <node-id>",
	Short:   "Remove a node",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cancelled, err := client.RemoveNode(args[0], nodeDrain)
		if err != nil {
			return fmt.Errorf("remove node: %w", err)
		}
		msg := "Removed " + args[0]
		if cancelled > 0 {
			msg += fmt.Sprintf(" (%d open task(s) cancelled)", cancelled)
		}
		fmt.Println(style.SuccessBox.Render(msg))
		return nil
	},
}

func init() {
	nodeListCmd.Flags().StringVar(&nodeRegion, "region", "", "Only nodes in this region")
	nodeListCmd.Flags().BoolVar(&nodeOnline, "online", false, "Only online nodes")
	nodeRemoveCmd.Flags().BoolVar(&nodeDrain, "drain", false, "Cancel the node's open tasks instead of refusing")

	nodeCmd.AddCommand(nodeListCmd, nodeGetCmd, nodeRemoveCmd,
		overrideCmd("disable", "Exclude a node from scheduling and liveness sweeps", model.OverrideDisabled),
		overrideCmd("maintenance", "Exclude a node from scheduling", model.OverrideMaintenance),
		overrideCmd("enable", "Clear a node's override", model.OverrideNone),
	)
	rootCmd.AddCommand(nodeCmd)
}
