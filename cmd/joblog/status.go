package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joblog/joblog/internal/models"
	"github.com/joblog/joblog/internal/store"
	"github.com/joblog/joblog/internal/tracker"
	"github.com/joblog/joblog/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show members, activities and running clocks",
	Long:  `Shows the reconciled state. When the backend cannot be reached the last cached state is shown.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Manage activities",
}

var activityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List activities (cached for a short while)",
	Args:  cobra.NoArgs,
	RunE:  runActivityList,
}

func init() {
	activityCmd.AddCommand(activityAddCmd, activityListCmd)
}

// commandContext returns a context canceled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	if err := sess.sync(ctx, out); err != nil {
		return err
	}
	printStatus(out, sess.tracker.View())
	return nil
}

func printStatus(out io.Writer, v tracker.View) {
	s := v.Snapshot
	if s == nil {
		s = &models.StateSnapshot{}
	}

	if s.Project != nil {
		fmt.Fprintf(out, "%s (%s)", s.Project.Name, s.Project.Code)
	} else {
		fmt.Fprint(out, "no project")
	}
	if !v.SyncedAt.IsZero() {
		fmt.Fprintf(out, "  synced %s", humanize.RelTime(v.SyncedAt, v.Now, "ago", "from now"))
	}
	if v.Pending > 0 {
		fmt.Fprintf(out, "  %d queued", v.Pending)
	}
	fmt.Fprintln(out)
	if v.Status != "" {
		fmt.Fprintln(out, v.Status)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MEMBER\tNAME\tACTIVITY\tSTATE\tELAPSED")
	for _, m := range s.Members() {
		activity := m.ActivityRef
		if activity == "" {
			activity = "-"
		}
		elapsed, ok := v.Elapsed[m.Key]
		if !ok {
			elapsed = m.ElapsedMs
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Key, m.Name, activity, m.State(), tui.FormatClock(elapsed))
	}
	w.Flush()

	if len(s.Activities) == 0 {
		return
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTIVITY\tLABEL\tMEMBERS\tTOTAL\tPLANNED")
	for _, a := range s.Activities {
		total, ok := v.Totals[a.ID]
		if !ok {
			total = a.TotalRunningMs()
		}
		planned := "-"
		if p := a.PlannedDurationMs(); p > 0 {
			planned = tui.FormatClock(p)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", a.ID, a.Label, len(a.Members), tui.FormatClock(total), planned)
	}
	w.Flush()
}

// activitySummary is the cached activity catalog entry.
type activitySummary struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Members int    `json:"members"`
}

func runActivityList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	list, err := activityCatalog(ctx, sess, time.Duration(cfg.Tracker.ListCacheTTL))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tMEMBERS")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\n", a.ID, a.Label, a.Members)
	}
	return w.Flush()
}

// activityCatalog serves the activity list from the cache while it is
// younger than ttl, otherwise fetches and caches it.
func activityCatalog(ctx context.Context, sess *session, ttl time.Duration) ([]activitySummary, error) {
	var list []activitySummary

	entry, err := sess.store.GetFresh(ctx, store.KeyActivities, ttl)
	switch {
	case err == nil:
		if err := json.Unmarshal(entry.Data, &list); err == nil {
			return list, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	snap, err := sess.client.State(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range snap.Activities {
		list = append(list, activitySummary{ID: a.ID, Label: a.Label, Members: len(a.Members)})
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	if err := sess.store.PutCache(ctx, store.KeyActivities, data); err != nil {
		logger.Warn().Err(err).Msg("cache activity list")
	}
	return list, nil
}
