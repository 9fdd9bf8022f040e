/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bytes"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// msgCmd represents the msg command
var msgCmd = &cobra.Command{
	Use:   "msg [text]",
	Short: "Write a user message into persistent storage",
	Long: `Write a user message into the persistent message area. The message
survives a restart and shows up as a usermsg record after recovery.

With no arguments the message body is read from stdin.

Examples:
  muninn msg "about to upgrade the controller firmware"
  journalctl -n 50 | muninn msg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		var body io.Reader
		var n int
		if len(args) > 0 {
			text := strings.Join(args, " ")
			body = strings.NewReader(text)
			n = len(text)
		} else {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			body = bytes.NewReader(data)
			n = len(data)
		}
		return env.registry.WriteUserMsg(body, n)
	},
}

func init() {
	rootCmd.AddCommand(msgCmd)
}
