/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// lsCmd represents the ls command
var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recovered records",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		infos := env.tree.List()
		if len(infos) == 0 {
			cmd.Println("No records.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCATEGORY\tSIZE\tTIME\tREASON")
		for _, info := range infos {
			reason := info.Reason
			if reason == "" {
				reason = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				info.Name, info.Category, info.Size,
				info.Time.Format("2006-01-02 15:04:05"), reason)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
