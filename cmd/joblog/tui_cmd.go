package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/joblog/joblog/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive tracking screen",
	Long: `Launch the interactive tracking screen.

Type commands at the prompt, for example:
  pause @mario
  move @luigi #rebar
  start #formwork
  new scaffold Scaffolding

Logs go to the file configured under log.file (~/.joblog/tui.log by default).`,
	Args: cobra.NoArgs,
	RunE: runTUI,
}

func runTUI(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	app := tui.New(ctx, sess.tracker, tui.Options{
		TickInterval: time.Duration(cfg.Tracker.TickInterval),
		PollInterval: time.Duration(cfg.Tracker.PollInterval),
		Logger:       logger,
	})
	return app.Run()
}
