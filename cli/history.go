package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-session-manager/history"
	"github.com/yllada/vpn-session-manager/tui"
)

func (a *App) historyCommand() *cobra.Command {
	var opts history.ListOptions
	var profileQuery string
	var prune int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past connection attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				n, err := store.Prune(cmd.Context(), prune)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Removed %d entries", n))
				return nil
			}

			if profileQuery != "" {
				profile, _, err := a.profileAndProvider(profileQuery)
				if err != nil {
					return err
				}
				opts.ProfileID = profile.ID
			}

			entries, err := store.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No sessions recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tPROFILE\tDURATION\tRECEIVED\tSENT\tRESULT")
			fmt.Fprintln(w, "-------\t-------\t--------\t--------\t----\t------")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.StartedAt.Local().Format(time.DateTime),
					e.ProfileName,
					durationColumn(e),
					tui.FormatBytes(e.BytesReceived),
					tui.FormatBytes(e.BytesSent),
					resultColumn(e))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of entries to show (0 for all)")
	cmd.Flags().StringVar(&profileQuery, "profile", "", "only show sessions of this profile")
	cmd.Flags().IntVar(&prune, "prune", 0, "keep only the newest N entries")
	return cmd
}

func durationColumn(e history.Entry) string {
	if !e.Connected() {
		return "-"
	}
	return formatDuration(e.Duration())
}

func resultColumn(e history.Entry) string {
	switch {
	case e.EndedAt.IsZero():
		return "active"
	case e.Error != "":
		return "failed: " + truncate(e.Error, 48)
	case e.Connected():
		return "ok"
	}
	return "cancelled"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
