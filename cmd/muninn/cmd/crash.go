/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ssargent/muninn/pkg/pstore"
)

// crashCmd represents the crash command
var crashCmd = &cobra.Command{
	Use:   "crash",
	Short: "Capture stdin as a crash dump",
	Long: `Feed diagnostic output into the capture buffer and trigger a dump,
as the crash path would. Useful for exercising a deployment end to end.

Examples:
  dmesg | muninn crash --reason oops
  muninn crash --reason panic < /var/log/failure.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := io.Copy(env.capture, cmd.InOrStdin()); err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("reason")
		reason, err := crashReason(name)
		if err != nil {
			return err
		}
		if err := env.registry.Dump(reason); err != nil {
			return err
		}
		cmd.Printf("Captured %s dump\n", reason)
		return nil
	},
}

func crashReason(name string) (pstore.Reason, error) {
	switch strings.ToLower(name) {
	case "", "oops":
		return pstore.ReasonOops, nil
	case "panic":
		return pstore.ReasonPanic, nil
	case "emerg", "emergency":
		return pstore.ReasonEmerg, nil
	case "shutdown":
		return pstore.ReasonShutdown, nil
	default:
		return pstore.ReasonUnknown, fmt.Errorf("unknown reason %q", name)
	}
}

func init() {
	rootCmd.AddCommand(crashCmd)
	crashCmd.Flags().String("reason", "oops", "Dump reason: oops, panic, emerg or shutdown")
}
