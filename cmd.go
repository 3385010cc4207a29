package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pg-mcp-server/internal/config"
	"pg-mcp-server/internal/logger"
)

var (
	configFile  string
	port        int
	postgresURL string
)

// rootCmd starts the server. Flags override the environment, which overrides
// the config file.
var rootCmd = &cobra.Command{
	Use:           "pg-mcp-server",
	Short:         "MCP server exposing a PostgreSQL database over Streamable HTTP",
	Long:          `pg-mcp-server serves browsable postgresql:// resources describing one database and a sandboxed read-only "query" tool to MCP clients.`,
	Version:       serverVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides := map[string]any{}
		if cmd.Flags().Changed("port") {
			overrides["port"] = port
		}
		if cmd.Flags().Changed("postgres-url") {
			overrides["postgres_url"] = postgresURL
		}

		file := configFile
		if file == "" {
			file = os.Getenv("MCP_CONFIG")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, config.Options{File: file, Overrides: overrides})
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, logger.Mask(err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to a YAML config file (env MCP_CONFIG)")
	rootCmd.Flags().IntVar(&port, "port", 0, "Port to listen on (env PORT, default 3001)")
	rootCmd.Flags().StringVar(&postgresURL, "postgres-url", "", "PostgreSQL connection string (env POSTGRES_URL)")
}
