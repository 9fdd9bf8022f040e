/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssargent/muninn/pkg/api"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the record store API server",
	Long: `Start the Muninn API server: recovered records become browsable over
HTTP, user messages can be posted, and Prometheus metrics are exposed.

Examples:
  muninn serve
  muninn serve --port 8080 --api-key mysecretkey`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = env.cfg.Port
		}
		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			apiKey = env.cfg.Security.ClientAPIKey
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return api.StartServer(ctx, env.tree, env.registry, env.ecc, api.ServerConfig{
			Bind:   env.cfg.Bind,
			Port:   port,
			APIKey: apiKey,
		}, env.logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default from config)")
	serveCmd.Flags().String("api-key", "", "API key protecting the record endpoints")
}
