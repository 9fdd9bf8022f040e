/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/spf13/cobra"
)

// catCmd represents the cat command
var catCmd = &cobra.Command{
	Use:   "cat <name>",
	Short: "Print the contents of a recovered record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		content, err := env.tree.Content(args[0])
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(content)
		return err
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}
