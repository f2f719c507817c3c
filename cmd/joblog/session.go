package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joblog/joblog/internal/audit"
	"github.com/joblog/joblog/internal/client"
	"github.com/joblog/joblog/internal/metrics"
	"github.com/joblog/joblog/internal/reconcile"
	"github.com/joblog/joblog/internal/store"
	"github.com/joblog/joblog/internal/tracker"
)

// session bundles everything a command needs to talk to the backend.
type session struct {
	store      *store.Store
	client     *client.Client
	tracker    *tracker.Tracker
	metrics    *metrics.Metrics
	metricsSrv *http.Server
}

// openSession opens the local store, builds the tracker and loads the
// cached state.
func openSession(ctx context.Context) (*session, error) {
	s, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	token := cfg.API.Token
	if token == "" {
		token = storedToken()
	}

	m := metrics.New()
	c := client.New(cfg.API.URL,
		client.WithToken(token),
		client.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.API.Timeout)}),
		client.WithLogger(logger),
	)
	tr := tracker.New(c, s, reconcile.New(reconcile.SystemClock{}, cfg.Reconcile()), tracker.Options{
		FailureThreshold: cfg.Tracker.FailureThreshold,
		Recorder:         audit.NewRecorder(s),
		Metrics:          m,
		Logger:           logger,
	})
	if err := tr.Bootstrap(ctx); err != nil {
		s.Close()
		return nil, err
	}

	sess := &session{store: s, client: c, tracker: tr, metrics: m}
	sess.serveMetrics()
	return sess, nil
}

func storedToken() string {
	mgr, err := authManager()
	if err != nil {
		logger.Debug().Err(err).Msg("credentials unavailable")
		return ""
	}
	return mgr.Token()
}

func (s *session) serveMetrics() {
	if cfg.Metrics.Addr == "" {
		return
	}
	s.metricsSrv = &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           s.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// sync refreshes once. A backend that cannot be reached is reported on w
// and the cached state is kept; an expired session is an error.
func (s *session) sync(ctx context.Context, w io.Writer) error {
	err := s.tracker.Refresh(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tracker.ErrSessionExpired):
		return fmt.Errorf("%w: run `joblog login --token <token>`", err)
	case client.IsTransient(err):
		v := s.tracker.View()
		if v.SyncedAt.IsZero() {
			fmt.Fprintln(w, "offline: backend unreachable and nothing cached yet")
		} else {
			fmt.Fprintf(w, "offline: showing state cached at %s\n", v.SyncedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	}
	return err
}

func (s *session) Close() {
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.metricsSrv.Shutdown(ctx)
	}
	if err := s.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("close local store")
	}
}
