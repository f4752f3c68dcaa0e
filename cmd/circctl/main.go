// Command circctl is the operator CLI: schema migrations, staff accounts, maintenance,
// chaos game days, and desk operations against a running server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type globals struct {
	server string
	token  string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "circctl",
		Short:         "Operate the library circulation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("CIRC_SERVER", "http://localhost:8082"), "base URL of the circulation server")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("CIRC_TOKEN"), "session token for the server")

	root.AddCommand(
		newMigrateCmd(),
		newSweepCmd(),
		newStaffCmd(),
		newChaosCmd(),
		newLoginCmd(g),
		newBorrowCmd(g),
		newReturnCmd(g),
		newStockCmd(g),
		newStatsCmd(g),
		newHistoryCmd(g),
	)
	return root
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
