package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/isometry/dirsync/internal/changes"
	"github.com/isometry/dirsync/internal/state"
)

const maxReasonWidth = 80

func newRejectsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rejects",
		Short: "Inspect changes that failed to apply",
	}
	cmd.AddCommand(newRejectsListCmd(g), newRejectsDropCmd(g))
	return cmd
}

func openState(cmd *cobra.Command, g *globalFlags) (*state.Store, error) {
	cfg, err := g.load(cmd, nil)
	if err != nil {
		return nil, err
	}
	cmd.SilenceUsage = true
	return state.Open(cfg.StatePath())
}

func newRejectsListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List pending rejected changes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openState(cmd, g)
			if err != nil {
				return err
			}
			defer store.Close()

			pending, err := store.Rejects().ListPending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(out, "no rejected changes")
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, cyan("SIDE\tCHANGE\tDN\tQUEUED\tLAST TRY\tRETRIES\tREASON"))
			for _, rc := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					rc.Side,
					rc.Payload.ChangeType,
					rc.Identity,
					humanize.RelTime(rc.EnqueuedAt, now, "ago", "from now"),
					humanize.RelTime(rc.LastAttemptAt, now, "ago", "from now"),
					rc.RetryCount,
					truncate(rc.Reason, maxReasonWidth),
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s pending\n", bold(humanize.Comma(int64(len(pending)))))
			return nil
		},
	}
}

func newRejectsDropCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drop SIDE DN",
		Short: "Forget a rejected change without applying it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := changes.ParseSide(args[0])
			if err != nil {
				return err
			}
			store, err := openState(cmd, g)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Rejects().Remove(cmd.Context(), side, args[1])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no rejected change for %s %s", side, args[1])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s %s\n", side, args[1])
			return nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
