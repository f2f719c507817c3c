package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Send queued changes to the backend",
	Args:  cobra.NoArgs,
	RunE:  runReplay,
}

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the local mutation log, newest first",
	Args:  cobra.NoArgs,
	RunE:  runLog,
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "Number of entries to show")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	pending := sess.tracker.View().Pending
	if pending == 0 {
		fmt.Fprintln(out, "nothing queued")
		return nil
	}

	delivered, err := sess.tracker.Replay(ctx)
	fmt.Fprintf(out, "delivered %d of %d queued change(s)\n", delivered, pending)
	if err != nil {
		return fmt.Errorf("replay stopped: %w", err)
	}
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	entries, err := sess.store.ListMutationLog(ctx, logLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tKIND\tMEMBER\tOUTCOME\tDETAILS")
	for _, e := range entries {
		member := e.MemberKey
		if member == "" {
			member = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(time.UnixMilli(e.Ts)), e.Kind, member, e.Outcome, e.Details)
	}
	return w.Flush()
}
