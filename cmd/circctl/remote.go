package main

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"libracirc/internal/audit"
	"libracirc/internal/client"
	"libracirc/internal/httpapi/render"
	"libracirc/internal/lending"
)

func (g *globals) client() *client.Client {
	return client.New(g.server, client.WithToken(g.token))
}

func newLoginCmd(g *globals) *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Open a session and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd, fromStdin)
			if err != nil {
				return err
			}
			session, err := g.client().Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), session.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "session expires %s\n", session.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

// parseLines turns "ITEM" or "ITEM:QTY" arguments into batch lines.
func parseLines(args []string) ([]lending.BatchLine, error) {
	lines := make([]lending.BatchLine, 0, len(args))
	for _, arg := range args {
		id, qty, found := strings.Cut(arg, ":")
		line := lending.BatchLine{ItemID: id, Quantity: 1}
		if found {
			n, err := strconv.Atoi(qty)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("bad quantity in %q", arg)
			}
			line.Quantity = n
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func newBorrowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "borrow <member> <item[:qty]>...",
		Short: "Lend items to a member, all or nothing",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := parseLines(args[1:])
			if err != nil {
				return err
			}

			var loans []*lending.Loan
			if len(lines) == 1 && lines[0].Quantity == 1 {
				loan, err := g.client().Borrow(cmd.Context(), args[0], lines[0].ItemID)
				if err != nil {
					return err
				}
				loans = append(loans, loan)
			} else if loans, err = g.client().BorrowBatch(cmd.Context(), args[0], lines); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LOAN\tITEM\tBORROWED\tDUE")
			for _, l := range loans {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.ID, l.ItemID,
					l.BorrowDate.Format(render.DateLayout), l.DueDate.Format(render.DateLayout))
			}
			return w.Flush()
		},
	}
}

func newReturnCmd(g *globals) *cobra.Command {
	var (
		date string
		mode string
	)
	cmd := &cobra.Command{
		Use:   "return <loan>...",
		Short: "Close one or more loans",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := render.ParseDate("date", date)
			if err != nil {
				return err
			}
			outcomes, err := g.client().ReturnBatch(cmd.Context(), args, day, mode)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LOAN\tRETURN\tOVERDUE DAYS\tFINE\tERROR")
			failed := 0
			for _, o := range outcomes {
				msg := ""
				if o.Err != nil {
					msg = o.Err.Error()
					failed++
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", o.LoanID, o.ReturnID, o.OverdueDays, o.Fine.StringFixed(2), msg)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d returns failed", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "return date as YYYY-MM-DD, default today")
	cmd.Flags().StringVar(&mode, "mode", "strict", "batch mode: strict or partial")
	return cmd
}

func newStockCmd(g *globals) *cobra.Command {
	stock := &cobra.Command{Use: "stock", Short: "Inspect and adjust item stock"}
	stock.AddCommand(&cobra.Command{
		Use:   "adjust <item> <delta>",
		Short: "Add or remove copies of an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("delta must be an integer: %w", err)
			}
			item, err := g.client().AdjustStock(cmd.Context(), args[0], delta)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d of %d available\n", item.ID, item.Available, item.TotalCopies)
			return nil
		},
	}, &cobra.Command{
		Use:   "show <item>",
		Short: "Show an item's stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := g.client().GetItem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %q: %d of %d available, borrowed %d times\n",
				item.ID, item.Title, item.Available, item.TotalCopies, item.BorrowCount)
			return nil
		},
	})
	return stock
}

func newStatsCmd(g *globals) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the circulation overview and the most borrowed items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := g.client()
			o, err := c.Overview(cmd.Context())
			if err != nil {
				return err
			}
			popular, err := c.PopularItems(cmd.Context(), top)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "titles\t%d\ncopies\t%d\nmembers\t%d\nloans out\t%d\noverdue\t%d\n\n",
				o.TotalTitles, o.TotalCopies, o.TotalMembers, o.LoansOut, o.Overdue)
			fmt.Fprintln(w, "ITEM\tTITLE\tBORROWS")
			for _, p := range popular {
				fmt.Fprintf(w, "%s\t%s\t%d\n", p.ItemID, p.Title, p.BorrowCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "number of popular items to list")
	return cmd
}

func newHistoryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "history <loan|item|member> <id>",
		Short: "Print the audit trail of a loan, item or member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := strings.ToLower(args[0])
			if !slices.Contains(audit.AggregateTypes, kind) {
				return fmt.Errorf("unknown record type %q, want one of %s", args[0], strings.Join(audit.AggregateTypes, ", "))
			}
			events, err := g.client().History(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tEVENT\tAT\tDATA")
			for _, e := range events {
				var data map[string]any
				if err := e.Decode(&data); err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Version, e.EventType, e.CreatedAt.Format(time.RFC3339), formatPayload(data))
			}
			return w.Flush()
		},
	}
}

// formatPayload renders an event payload as key=value pairs in key order.
func formatPayload(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, data[k])
	}
	return strings.Join(parts, " ")
}
