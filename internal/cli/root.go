// Package cli implements the caretta command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/caretta-ai/caretta/internal/buildinfo"
	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"

	styleBoldWhite = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "caretta",
	Short: "Personal multi-agent assistant daemon",
	Long: colorBold + `caretta` + colorReset + ` runs a daemon that supervises LLM agent workers with
sandboxed shell access, persistent workspaces, and chat channels.

` + colorBold + `Getting Started:` + colorReset + `
  caretta daemon run              Run the daemon in the foreground
  caretta status                  Show daemon and agent status
  caretta send "hello"            Talk to the default agent
  caretta model list              List available models
  caretta web                     Show the web chat pairing code`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.caretta/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		debug.LogKV("cli", "caretta starting",
			"version", buildinfo.Current().Version,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", color(colorRed), err, color(colorReset))
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}

// color returns the ANSI code when stdout is a terminal.
func color(code string) string {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return code
	}
	return ""
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
