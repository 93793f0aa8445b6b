package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caretta-ai/caretta/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.DumpJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		issues := cfg.Validate()
		if len(issues) == 0 {
			fmt.Println(color(colorGreen) + "Configuration OK." + color(colorReset))
			return nil
		}
		for _, issue := range issues {
			fmt.Fprintln(os.Stderr, issue)
		}
		if config.HasErrors(issues) {
			return fmt.Errorf("configuration has errors")
		}
		fmt.Println("Configuration OK (with warnings).")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
