package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"libracirc/internal/app"
	"libracirc/internal/chaos"
	"libracirc/internal/config"
	"libracirc/internal/storage"
	"libracirc/internal/telemetry"
)

// Local commands open the store named by DATABASE_DRIVER and DATABASE_URL directly.

func localSetup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, telemetry.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, false), nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := localSetup(cmd)
			if err != nil {
				return err
			}
			db, err := storage.Open(cmd.Context(), cfg.Storage(), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			version, err := db.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark past-due loans OVERDUE and purge expired sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := localSetup(cmd)
			if err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Lending.RefreshOverdueStatus(cmd.Context())
			if err != nil {
				return err
			}
			purged, err := a.Auth.PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d loans marked overdue, %d sessions purged\n", n, purged)
			return nil
		},
	}
}

func newStaffCmd() *cobra.Command {
	staff := &cobra.Command{Use: "staff", Short: "Manage staff accounts"}

	var fromStdin bool
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a staff account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := localSetup(cmd)
			if err != nil {
				return err
			}
			password, err := readPassword(cmd, fromStdin)
			if err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Auth.CreateStaff(cmd.Context(), args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staff account %s created\n", args[0])
			return nil
		},
	}
	add.Flags().BoolVar(&fromStdin, "password-stdin", false, "read the password from stdin")
	staff.AddCommand(add)
	return staff
}

func newChaosCmd() *cobra.Command {
	var cfg chaos.StormConfig
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run the concurrency game day against the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, logger, err := localSetup(cmd)
			if err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), appCfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			engine := chaos.NewEngine(a.DB, logger)
			engine.RegisterExperiments(chaos.Fixtures{Lending: a.Lending, Catalog: a.Catalog, Members: a.Members}, cfg)
			return engine.ExecuteGameDay(cmd.Context(), chaos.GameDay{
				Name:      "Circulation Game Day",
				Date:      time.Now(),
				Scenarios: engine.Experiments(),
			}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&cfg.Workers, "workers", 0, "concurrent workers per experiment")
	cmd.Flags().IntVar(&cfg.Operations, "operations", 0, "operations per worker")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 0, "observation window per experiment")
	cmd.Flags().DurationVar(&cfg.Hold, "hold", 0, "how long the connection pool stays exhausted")
	return cmd
}

// readPassword prompts without echo on a terminal; otherwise it reads one line.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	if !fromStdin && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(cmd.InOrStdin())
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
