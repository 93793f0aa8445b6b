package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caretta-ai/caretta/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		bi := buildinfo.Current()
		fmt.Printf("caretta %s\n", bi.Version)
		if bi.Commit != "" {
			fmt.Printf("commit: %s\n", bi.Commit)
		}
		if bi.Date != "" {
			fmt.Printf("built:  %s\n", bi.Date)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
