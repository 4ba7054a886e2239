package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleet/cli/style"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check health of the control plane",
	Aliases: []string{"h"},
	RunE:    runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	h, err := client.Health()
	if err != nil {
		fmt.Println(style.ErrorBox.Render("Cannot reach fleet API at " + apiURL))
		return err
	}

	fmt.Println(style.Banner.Render("⚡ FLEET HEALTH"))
	fmt.Println()

	allUp := true
	for _, s := range h.Services {
		label := style.Healthy.Render("up")
		if s.Status != "up" {
			label = style.Unhealthy.Render(s.Status)
			allUp = false
		}
		details := ""
		if s.Details != "" {
			details = style.DimText.Render("  " + s.Details)
		}
		fmt.Printf("  %s  %-14s %s%s\n", style.ServiceDot(s.Status), style.Bold.Render(s.Name), label, details)
	}
	fmt.Printf("  %s  %-14s %d\n", style.DotDim, style.Bold.Render("sessions"), h.Sessions)
	fmt.Println()

	if allUp {
		fmt.Println(style.SuccessBox.Render("Control plane healthy"))
	} else {
		fmt.Println(style.ErrorBox.Render("Control plane degraded"))
	}
	return nil
}
