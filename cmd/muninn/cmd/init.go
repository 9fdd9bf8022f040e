/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ssargent/muninn/pkg/config"
	"github.com/ssargent/muninn/pkg/zone"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and create the region file",
	Long: `Initialize a new Muninn installation: write the default configuration
to the config path and create the backing region file sized per that
configuration.

Examples:
  muninn init
  muninn init --config ./muninn.yaml --region-path /var/lib/muninn/crash.region`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if config.ConfigExists(path) {
			cmd.Printf("Config already exists at %s\n", path)
			return nil
		}

		cfg := config.DefaultConfig()
		if regionPath, _ := cmd.Flags().GetString("region-path"); regionPath != "" {
			cfg.Region.Path = regionPath
		}
		if regionSize, _ := cmd.Flags().GetInt("region-size"); regionSize > 0 {
			cfg.Region.Size = regionSize
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.SaveConfig(cfg, path); err != nil {
			return err
		}

		// Creating and mapping the region now surfaces permission or
		// space problems at init time instead of at the first crash.
		region, err := zone.MapFile(cfg.Region.Path, cfg.Region.Size)
		if err != nil {
			return err
		}
		if err := region.Close(); err != nil {
			return err
		}

		cmd.Printf("Wrote config to %s\n", path)
		cmd.Printf("Created %d byte region at %s\n", cfg.Region.Size, cfg.Region.Path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("region-path", "", "Backing file for the persistent region")
	initCmd.Flags().Int("region-size", 0, "Region size in bytes")
}
