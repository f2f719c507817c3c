package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/joblog/joblog/internal/scheduler"
	"github.com/joblog/joblog/internal/tracker"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the backend and print a line whenever the state changes",
	Long: `Runs the tick and poll loops without the interactive screen. Queued
changes are replayed as soon as the backend answers again. Stops on Ctrl+C
or when the session expires.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	views, unsubscribe := sess.tracker.Subscribe()
	defer unsubscribe()

	sched := scheduler.New(sess.tracker, &scheduler.Config{
		TickInterval: time.Duration(cfg.Tracker.TickInterval),
		PollInterval: time.Duration(cfg.Tracker.PollInterval),
	}, logger)
	sched.Start()
	defer sched.Stop()

	out := cmd.OutOrStdout()
	var last watchLine
	for {
		select {
		case <-ctx.Done():
			stats := sched.GetStats()
			logger.Info().
				Int("polls", stats.Polls).
				Int("failures", stats.Failures).
				Int("replayed", stats.Replayed).
				Msg("watch stopped")
			return nil
		case v := <-views:
			line := summarize(v)
			if line == last {
				continue
			}
			last = line
			line.print(out, v.Now)
			if v.Expired {
				return tracker.ErrSessionExpired
			}
		}
	}
}

// watchLine is what a watch prints. Ticks alone never change it.
type watchLine struct {
	running, paused, idle int
	pending               int
	offline               bool
	status                string
	syncedAt              time.Time
}

func summarize(v tracker.View) watchLine {
	l := watchLine{pending: v.Pending, offline: v.Offline, status: v.Status, syncedAt: v.SyncedAt}
	if v.Snapshot == nil {
		return l
	}
	for _, m := range v.Snapshot.Members() {
		switch {
		case m.Running:
			l.running++
		case m.Paused:
			l.paused++
		default:
			l.idle++
		}
	}
	return l
}

func (l watchLine) print(w io.Writer, now time.Time) {
	state := "online"
	if l.offline {
		state = "offline"
	}
	fmt.Fprintf(w, "%s  %-7s  running %d  paused %d  idle %d  queued %d",
		now.Local().Format("15:04:05"), state, l.running, l.paused, l.idle, l.pending)
	if l.status != "" {
		fmt.Fprintf(w, "  %s", l.status)
	}
	fmt.Fprintln(w)
}
