package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewDLQCommand groups dead-letter inspection and replay.
func NewDLQCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead-letter queue",
		Long:  "Inspect outbox events and dispatch jobs that exhausted their retries, and re-arm outbox events for delivery.",
	}
	cmd.AddCommand(newDLQListCommand(root))
	cmd.AddCommand(newDLQReplayCommand(root))
	return cmd
}

func newDLQListCommand(root *RootOptions) *cobra.Command {
	var (
		tenant, source, format string
		limit                  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", format)
			}
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, root, "cli")
			if err != nil {
				return err
			}
			defer rt.close()

			dls, err := rt.app.DeadLetters.List(ctx, tenant, source, limit)
			if err != nil {
				return err
			}
			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(dls)
			}
			if len(dls) == 0 {
				cmd.Println("No dead letters.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tSOURCE\tREF\tTENANT\tATTEMPTS\tCREATED\tREPLAYED\tREASON")
			for _, d := range dls {
				replayed := ""
				if d.ReplayedAt != nil {
					replayed = d.ReplayedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					d.ID, d.Source, d.RefID, d.TenantID, d.Attempts,
					d.CreatedAt.Format(time.RFC3339), replayed, truncate(d.Reason, 50))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "only this tenant (default all)")
	cmd.Flags().StringVar(&source, "source", "", "outbox or dispatch (default both)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "maximum entries")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	return cmd
}

func newDLQReplayCommand(root *RootOptions) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "replay [dead_letter_id]",
		Short: "Re-arm the outbox event behind a dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, root, "cli")
			if err != nil {
				return err
			}
			defer rt.close()

			ev, err := rt.app.DeadLetters.Replay(ctx, tenant, args[0])
			if err != nil {
				return err
			}
			cmd.Printf("Replayed %s: event %s (%s) is %s\n", args[0], ev.ID, ev.Type, ev.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "require the entry to belong to this tenant")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
