// Command sessiond runs the session kernel over a line-delimited JSON
// transport: envelopes arrive on stdin, responses leave on stdout, and the
// introspection API is served over HTTP when configured. It exists both as a
// reference wiring of the kernel packages and as a standalone process for
// integration testing.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "devel"

func main() {
	root := &cobra.Command{
		Use:           "sessiond",
		Short:         "Session, liveness and fault-isolation kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var envFile string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the kernel over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %q: %w", envFile, err)
				}
			} else {
				_ = godotenv.Load()
			}
			return runServe(cmd.Context())
		},
	}
	serve.Flags().StringVar(&envFile, "env-file", "", "path to a .env file loaded before reading configuration")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the sessiond version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sessiond:", err)
		os.Exit(1)
	}
}
