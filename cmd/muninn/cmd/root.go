/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ssargent/muninn/pkg/config"
	"github.com/ssargent/muninn/pkg/log"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "muninn",
	Short: "Muninn - persistent crash log store",
	Long: `Muninn keeps the last words of a failing system: crash output,
console tail, trace data and user messages are stored in a reserved
memory region (or a pebble database) and recovered after restart.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default is ~/.config/muninn/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")
}

// loadConfig resolves the configuration for a command invocation. A missing
// default config file is not an error; defaults apply.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.GetDefaultConfigPath()
		if !config.ConfigExists(path) {
			return config.DefaultConfig(), nil
		}
	}
	return config.LoadConfig(path)
}

func newLogger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	level := cfg.Logging.Level
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	return log.New(os.Stderr, level)
}
