/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/spf13/cobra"
)

// rmCmd represents the rm command
var rmCmd = &cobra.Command{
	Use:   "rm <name>...",
	Short: "Remove recovered records and erase their backing storage",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		for _, name := range args {
			rec, err := env.tree.Remove(name)
			if err != nil {
				return err
			}
			if err := env.backend.Erase(rec); err != nil {
				return err
			}
			cmd.Printf("Removed %s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
