package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caretta-ai/caretta/internal/daemon"
	"github.com/caretta-ai/caretta/internal/supervisor"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and agent status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func controlClient(cmd *cobra.Command) (*daemon.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(cfg.Global.SocketPath), nil
}

func control(cmd *cobra.Command, req protocol.ControlRequest, timeout time.Duration) (*protocol.ControlResponse, error) {
	client, err := controlClient(cmd)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	resp, err := client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := control(cmd, protocol.ControlRequest{Action: protocol.ActionStatus}, 10*time.Second)
	if err != nil {
		fmt.Println("Daemon: not running")
		return nil
	}

	d := resp.Daemon
	fmt.Printf("%sDaemon:%s running (pid %d, since %s)\n", color(colorBold), color(colorReset), d.PID, d.StartedAt)
	fmt.Printf("Agents: %d configured, %d running\n\n", d.Agents, d.Running)
	printAgents(resp.Agents)
	return nil
}

func printAgents(agents []protocol.AgentInfo) {
	fmt.Printf("%-12s %-10s %-28s %-10s %8s %8s\n", "AGENT", "STATE", "MODEL", "SANDBOX", "UPTIME", "RESTARTS")
	for _, a := range agents {
		state := a.State
		switch a.State {
		case supervisor.StateRunning:
			state = color(colorGreen) + a.State + color(colorReset)
		case supervisor.StateCrashed:
			state = color(colorRed) + a.State + color(colorReset)
		case supervisor.StateRestarting, supervisor.StateStarting:
			state = color(colorYellow) + a.State + color(colorReset)
		}
		uptime := "-"
		if a.UptimeSec > 0 {
			uptime = (time.Duration(a.UptimeSec) * time.Second).Truncate(time.Second).String()
		}
		degraded := ""
		if a.Degraded {
			degraded = " " + color(colorRed) + "(degraded)" + color(colorReset)
		}
		fmt.Printf("%-12s %-10s %-28s %-10s %8s %8d%s\n",
			a.ID, state, a.Model, a.Sandbox, uptime, a.RestartCount, degraded)
	}
}
