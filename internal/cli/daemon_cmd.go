package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/daemon"
	"github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/pkg/protocol"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the caretta daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE:  runDaemonRun,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd, daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	issues := cfg.Validate()
	for _, issue := range issues {
		fmt.Fprintln(os.Stderr, issue)
	}
	if config.HasErrors(issues) {
		return errors.New("configuration has errors")
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fmt.Printf("caretta daemon running (pid %d, socket %s)\n", os.Getpid(), config.ExpandPath(cfg.Global.SocketPath))
	return d.Run(ctx)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client := daemon.NewClient(cfg.Global.SocketPath)
	pingCtx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	if client.Ping(pingCtx) {
		fmt.Println("Daemon already running.")
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	childArgs := []string{"daemon", "run"}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		childArgs = append(childArgs, "--config", path)
	}
	if debugFlag, _ := cmd.Flags().GetBool("debug"); debugFlag {
		childArgs = append(childArgs, "--debug")
	}

	logPath := filepath.Join(config.ExpandPath(cfg.Global.DataDir), "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	child := exec.Command(exe, childArgs...)
	child.Env = debug.PropagatedEnv(os.Environ(), "daemon")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	deadline := time.Now().Add(8 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Second)
		ok := client.Ping(ctx)
		cancel()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not answer within 8s, see %s", logPath)
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("Daemon started (pid %d).\nLog: %s\n", child.Process.Pid, logPath)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client := daemon.NewClient(cfg.Global.SocketPath)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if _, err := client.Do(ctx, protocol.ControlRequest{Action: protocol.ActionShutdown}); err != nil {
		// Socket unreachable; fall back to the recorded pid.
		pid, ok := daemon.ReadPID(cfg.Global.PIDFile)
		if !ok {
			fmt.Println("No daemon running.")
			return nil
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("sending SIGTERM to pid %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		pingCtx, cancel := context.WithTimeout(cmd.Context(), time.Second)
		alive := client.Ping(pingCtx)
		cancel()
		if !alive {
			fmt.Println("Daemon stopped.")
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("daemon did not stop within 10s")
		}
		time.Sleep(100 * time.Millisecond)
	}
}
