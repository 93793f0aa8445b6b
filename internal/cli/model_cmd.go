package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caretta-ai/caretta/internal/models"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "List and switch models",
}

var modelListCmd = &cobra.Command{
	Use:   "list [provider]",
	Short: "List available models",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := ""
		if len(args) == 1 {
			provider = args[0]
		}

		// Listing works without a running daemon.
		resp, err := control(cmd, protocol.ControlRequest{Action: protocol.ActionModelList, Provider: provider}, 10*time.Second)
		if err == nil {
			fmt.Println(resp.Text)
			return nil
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		list := models.NewRegistry(cfg.LLM.DefaultProvider).List(provider)
		if len(list) == 0 && provider != "" {
			return fmt.Errorf("no models found for provider %q", provider)
		}
		fmt.Println(models.FormatList(list))
		return nil
	},
}

var modelSetCmd = &cobra.Command{
	Use:   "set <model>",
	Short: "Switch an agent's model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		resp, err := control(cmd, protocol.ControlRequest{
			Action:  protocol.ActionModelSet,
			AgentID: agentID,
			Model:   args[0],
		}, 10*time.Second)
		if err != nil {
			return err
		}
		fmt.Println(resp.Text)
		return nil
	},
}

func init() {
	modelSetCmd.Flags().String("agent", "", "Target agent (default: configured default agent)")
	modelCmd.AddCommand(modelListCmd, modelSetCmd)
	rootCmd.AddCommand(modelCmd)
}
