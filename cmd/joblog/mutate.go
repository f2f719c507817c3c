package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joblog/joblog/internal/audit"
	"github.com/joblog/joblog/internal/reconcile"
	"github.com/joblog/joblog/internal/tracker"
)

// buildFunc builds a mutation from the freshly synced view.
type buildFunc func(v tracker.View) (reconcile.Mutation, error)

var pauseCmd = &cobra.Command{
	Use:   "pause <member>",
	Short: "Pause a member's timer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, func(tracker.View) (reconcile.Mutation, error) {
			return reconcile.Pause{MemberKey: args[0]}, nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <member>",
	Short: "Resume a paused member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, func(tracker.View) (reconcile.Mutation, error) {
			return reconcile.Resume{MemberKey: args[0]}, nil
		})
	},
}

var finishCmd = &cobra.Command{
	Use:   "finish <member>",
	Short: "Finish a member's work segment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, func(tracker.View) (reconcile.Mutation, error) {
			return reconcile.Finish{MemberKey: args[0]}, nil
		})
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <member> [activity]",
	Short: "Move a member to an activity, or back to the team without one",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, func(v tracker.View) (reconcile.Mutation, error) {
			mv := reconcile.Move{MemberKey: args[0]}
			if len(args) == 2 {
				mv.TargetActivityID = args[1]
			}
			if v.Snapshot != nil {
				if m, _, ok := v.Snapshot.FindMember(mv.MemberKey); ok && m.Running {
					shown := v.Elapsed[m.Key]
					mv.ElapsedMs = &shown
				}
			}
			return mv, nil
		})
	},
}

var (
	startMembers  []string
	startActivity string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start unassigned members or every member of an activity",
	Example: `  joblog start --members anna,tomas
  joblog start --activity formwork`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, func(tracker.View) (reconcile.Mutation, error) {
			switch {
			case startActivity != "" && len(startMembers) > 0:
				return nil, fmt.Errorf("--members and --activity are exclusive")
			case startActivity != "":
				return reconcile.StartActivity{ActivityID: startActivity}, nil
			case len(startMembers) > 0:
				return reconcile.StartMembers{MemberKeys: startMembers}, nil
			}
			return nil, fmt.Errorf("one of --members or --activity is required")
		})
	},
}

var activityAddCmd = &cobra.Command{
	Use:   "add <id> <label>",
	Short: "Create an activity",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, func(tracker.View) (reconcile.Mutation, error) {
			return reconcile.CreateActivity{ID: args[0], Label: strings.Join(args[1:], " ")}, nil
		})
	},
}

func init() {
	startCmd.Flags().StringSliceVar(&startMembers, "members", nil, "Comma-separated member keys")
	startCmd.Flags().StringVar(&startActivity, "activity", "", "Activity id")
}

// submit syncs, builds the mutation and sends it through the tracker so it
// is queued when the backend cannot be reached.
func submit(cmd *cobra.Command, build buildFunc) error {
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

	m, err := build(sess.tracker.View())
	if err != nil {
		return err
	}

	outcome, err := sess.tracker.Submit(ctx, m)
	if err != nil {
		return fmt.Errorf("%s %s: %w", m.Kind(), m.Subject(), err)
	}

	switch outcome {
	case audit.OutcomeQueued:
		fmt.Fprintf(out, "%s %s: queued (%d pending)\n", m.Kind(), m.Subject(), sess.tracker.View().Pending)
	default:
		fmt.Fprintf(out, "%s %s: %s\n", m.Kind(), m.Subject(), outcome)
	}
	return nil
}
