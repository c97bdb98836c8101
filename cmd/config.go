package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/installrelay/internal/config"
	"github.com/zjrosen/installrelay/internal/paths"
	"github.com/zjrosen/installrelay/internal/templates"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the installrelay config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented default config file",
	Long: `Write a commented default config file.

Without a path the file is written to .installrelay/config.yaml. An existing
file is never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := paths.LocalConfigPath()
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one key in the config file, keeping comments",
	Long: `Set one dotted key in the config file, keeping comments and layout.

The value is parsed as YAML, so lists and numbers keep their type.

Examples:
  installrelay config set installer.command ./install.sh
  installrelay config set installer.args '[install, --verbose]'
  installrelay config set supervisor.quiescence 3s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.ConfigFileUsed()
		if cfgFile != "" {
			path = cfgFile
		}
		if path == "" {
			path = paths.LocalConfigPath()
			if err := config.WriteDefaultConfig(path); err != nil {
				return err
			}
		}
		if err := config.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s = %s\n", path, args[0], args[1])
		return nil
	},
}

var configRulesCmd = &cobra.Command{
	Use:   "rules [path]",
	Short: "Write an example detector rules file",
	Long: `Write an example detector rules file.

Without a path the file is written to .installrelay/rules.yaml. Point
detector.rules_file at it to enable the rules:
  installrelay config set detector.rules_file .installrelay/rules.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(filepath.Dir(paths.LocalConfigPath()), "rules.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("creating rules directory: %w", err)
		}
		if err := os.WriteFile(path, templates.ExampleRules(), 0o600); err != nil {
			return fmt.Errorf("writing rules file: %w", err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configSetCmd, configRulesCmd)
	rootCmd.AddCommand(configCmd)
}
