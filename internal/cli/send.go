package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caretta-ai/caretta/pkg/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send <text>...",
	Short: "Send a message or /command to an agent and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		text := strings.Join(args, " ")

		resp, err := control(cmd, protocol.ControlRequest{
			Action:  protocol.ActionSend,
			AgentID: agentID,
			Text:    text,
		}, 150*time.Second)
		if err != nil {
			return err
		}
		fmt.Println(resp.Text)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("agent", "", "Target agent (default: configured default agent)")
	rootCmd.AddCommand(sendCmd)
}
