package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/joblog/joblog/internal/devserver"
	"github.com/joblog/joblog/internal/reconcile"
)

var (
	devListenAddr string
	devToken      string
	devQueued     bool
	devHold       time.Duration
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory backend for local demos",
	Long: `Starts an in-memory implementation of the JobLog REST API seeded with a
small demo site. State is lost on exit.

With --queued, mutations are acknowledged but only applied every --hold,
which makes optimistic updates visible on the client.`,
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

func init() {
	devserverCmd.Flags().StringVar(&devListenAddr, "listen", "127.0.0.1:7480", "Listen address for the API server")
	devserverCmd.Flags().StringVar(&devToken, "token", "", "Require this bearer token on /api routes")
	devserverCmd.Flags().BoolVar(&devQueued, "queued", false, "Acknowledge mutations and apply them later")
	devserverCmd.Flags().DurationVar(&devHold, "hold", 30*time.Second, "How long --queued holds mutations")
}

func runDevserver(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	backend := devserver.NewBackend(devserver.DemoSnapshot(), reconcile.SystemClock{}, logger)
	backend.SetQueued(devQueued)
	backend.Notify("Site open", "Demo crews are on the clock")

	server := devserver.NewServer(devserver.NewRouter(backend, devToken, logger), devListenAddr, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	var flush <-chan time.Time
	if devQueued && devHold > 0 {
		t := time.NewTicker(devHold)
		defer t.Stop()
		flush = t.C
	}

	for done := false; !done; {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down development backend")
			done = true
		case err := <-serverErr:
			return err
		case <-flush:
			if n := backend.Flush(); n > 0 {
				logger.Debug().Int("applied", n).Msg("flushed held mutations")
			}
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}
	return nil
}
