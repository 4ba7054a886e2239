package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleet/cli/style"
)

var (
	tokenOrg    string
	tokenRegion string
	tokenName   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage node registration tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a single-use registration token for a new node",
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := client.IssueToken(tokenOrg, tokenRegion, tokenName)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Printf("  %s %s\n", style.Key.Render("Token"), style.Bold.Render(tok.Token))
		fmt.Printf("  %s %s\n", style.Key.Render("Node"), style.Val.Render(tok.NodeID))
		fmt.Printf("  %s %s\n", style.Key.Render("Expires"), style.Val.Render(tok.ExpiresAt.Local().Format("2006-01-02 15:04")))
		fmt.Println()
		fmt.Println(style.DimText.Render("  The token is shown once. Register the node with:"))
		fmt.Println(style.DimText.Render(fmt.Sprintf("  fleet-agent register --api %s --token %s", apiURL, tok.Token)))
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenOrg, "org", "", "Owning organization")
	tokenIssueCmd.Flags().StringVar(&tokenRegion, "region", "", "Region the node will serve")
	tokenIssueCmd.Flags().StringVar(&tokenName, "name", "", "Node label")
	tokenIssueCmd.MarkFlagRequired("org")
	tokenIssueCmd.MarkFlagRequired("region")
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
