package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caretta-ai/caretta/pkg/protocol"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent workers",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := control(cmd, protocol.ControlRequest{Action: protocol.ActionAgentList}, 10*time.Second)
		if err != nil {
			return err
		}
		printAgents(resp.Agents)
		return nil
	},
}

var agentInfoCmd = &cobra.Command{
	Use:   "info <agent>",
	Short: "Show one agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := control(cmd, protocol.ControlRequest{Action: protocol.ActionAgentInfo, AgentID: args[0]}, 10*time.Second)
		if err != nil {
			return err
		}
		printAgents(resp.Agents)
		return nil
	},
}

func agentLifecycleCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agent>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := control(cmd, protocol.ControlRequest{Action: action, AgentID: args[0]}, 30*time.Second)
			if err != nil {
				return err
			}
			fmt.Println(resp.Text)
			return nil
		},
	}
}

var agentAddCmd = &cobra.Command{
	Use:   "add <agent>",
	Short: "Add an agent at runtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := protocol.ControlRequest{Action: protocol.ActionAgentAdd, AgentID: args[0]}
		req.Name, _ = cmd.Flags().GetString("name")
		req.Model, _ = cmd.Flags().GetString("model")
		req.Workspace, _ = cmd.Flags().GetString("workspace")
		req.Sandbox, _ = cmd.Flags().GetString("sandbox")
		resp, err := control(cmd, req, 10*time.Second)
		if err != nil {
			return err
		}
		fmt.Println(resp.Text)
		return nil
	},
}

var agentDelCmd = &cobra.Command{
	Use:   "del <agent>",
	Short: "Stop and remove an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := control(cmd, protocol.ControlRequest{Action: protocol.ActionAgentDel, AgentID: args[0]}, 30*time.Second)
		if err != nil {
			return err
		}
		fmt.Println(resp.Text)
		return nil
	},
}

func init() {
	agentAddCmd.Flags().String("name", "", "display name")
	agentAddCmd.Flags().String("model", "", "model (defaults to llm.default_model)")
	agentAddCmd.Flags().String("workspace", "", "workspace directory")
	agentAddCmd.Flags().String("sandbox", "", "sandbox mode: normal, confined or restricted")
	agentCmd.AddCommand(
		agentListCmd,
		agentInfoCmd,
		agentAddCmd,
		agentDelCmd,
		agentLifecycleCmd("start", "Start an agent worker", protocol.ActionAgentStart),
		agentLifecycleCmd("stop", "Stop an agent worker", protocol.ActionAgentStop),
		agentLifecycleCmd("restart", "Restart an agent worker", protocol.ActionAgentRestart),
	)
	rootCmd.AddCommand(agentCmd)
}
