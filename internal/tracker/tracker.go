// Package tracker owns the client session: the current snapshot, the
// reconcile engine, the local cache and outbox, and the subscribers that
// render it.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joblog/joblog/internal/audit"
	"github.com/joblog/joblog/internal/client"
	"github.com/joblog/joblog/internal/metrics"
	"github.com/joblog/joblog/internal/models"
	"github.com/joblog/joblog/internal/reconcile"
	"github.com/joblog/joblog/internal/store"
)

// DefaultFailureThreshold is the number of consecutive failed refreshes
// before the status line reports the connection as lost.
const DefaultFailureThreshold = 3

// ErrSessionExpired is returned once the backend rejected the token. Polling
// stops until the user logs in again.
var ErrSessionExpired = errors.New("session expired")

// API is the subset of the backend client the tracker needs.
type API interface {
	State(ctx context.Context) (*models.StateSnapshot, error)
	Events(ctx context.Context) ([]models.Event, error)
	Notifications(ctx context.Context) ([]models.Notification, error)
	Send(ctx context.Context, m reconcile.Mutation, idempotencyKey string) (*client.MutationResult, error)
}

// Cache is the subset of the local store the tracker needs.
type Cache interface {
	PutCache(ctx context.Context, key string, data []byte) error
	GetCache(ctx context.Context, key string) (*store.CacheEntry, error)
	Enqueue(ctx context.Context, id, kind string, payload []byte) (*models.OutboxEntry, error)
	Pending(ctx context.Context) ([]models.OutboxEntry, error)
	Ack(ctx context.Context, id string) error
	BumpAttempts(ctx context.Context, id string) (int, error)
	OutboxDepth(ctx context.Context) (int, error)
}

// Recorder writes the mutation log.
type Recorder interface {
	Record(ctx context.Context, kind string, inputs interface{}, outcome, memberKey, details string) (*models.MutationLogEntry, error)
}

// Options configures a Tracker. Zero values get defaults.
type Options struct {
	FailureThreshold int
	Recorder         Recorder
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// View is an immutable rendering of the session. Snapshot is shared and must
// not be modified.
type View struct {
	Snapshot      *models.StateSnapshot
	Elapsed       map[string]int64
	Totals        map[string]int64
	Events        []models.Event
	Notifications []models.Notification
	Status        string
	Expired       bool
	Offline       bool
	Pending       int
	SyncedAt      time.Time
	Now           time.Time
}

// Tracker is the session context object.
type Tracker struct {
	api       API
	cache     Cache
	engine    *reconcile.Engine
	recorder  Recorder
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	threshold int

	mu            sync.Mutex
	snapshot      *models.StateSnapshot
	events        []models.Event
	notifications []models.Notification
	failures      int
	expired       bool
	offline       bool
	status        string
	pending       int
	syncedAt      time.Time
	refreshSeq    uint64
	cancelRefresh context.CancelFunc
	subs          map[int]chan View
	nextSub       int
}

// New creates a tracker.
func New(api API, cache Cache, engine *reconcile.Engine, opts Options) *Tracker {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	t := &Tracker{
		api:       api,
		cache:     cache,
		engine:    engine,
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "tracker").Logger(),
		threshold: opts.FailureThreshold,
		snapshot:  &models.StateSnapshot{},
		subs:      make(map[int]chan View),
	}
	engine.SetReseedHook(t.metrics.RecordReseed)
	return t
}

// Engine returns the reconcile engine.
func (t *Tracker) Engine() *reconcile.Engine { return t.engine }

// Expired reports whether the backend rejected the token.
func (t *Tracker) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// Bootstrap loads the cached snapshot, events and notifications so the
// session can render before the first refresh completes.
func (t *Tracker) Bootstrap(ctx context.Context) error {
	var (
		snap   *models.StateSnapshot
		events []models.Event
		notes  []models.Notification
		synced time.Time
	)

	entry, err := t.cache.GetCache(ctx, store.KeySnapshot)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load cached snapshot: %w", err)
	default:
		snap = &models.StateSnapshot{}
		if err := json.Unmarshal(entry.Data, snap); err != nil {
			t.logger.Warn().Err(err).Msg("discarding unreadable cached snapshot")
			snap = nil
		} else {
			synced = entry.Ts
		}
	}
	if err := t.loadCached(ctx, store.KeyEvents, &events); err != nil {
		return err
	}
	if err := t.loadCached(ctx, store.KeyNotifications, &notes); err != nil {
		return err
	}
	depth, err := t.cache.OutboxDepth(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if snap != nil {
		t.snapshot = snap
		t.engine.ReconcileSnapshot(snap)
		t.syncedAt = synced
	}
	t.events = events
	t.notifications = notes
	t.setPendingLocked(depth)
	t.logger.Debug().
		Bool("cached_snapshot", snap != nil).
		Int("pending", depth).
		Msg("bootstrapped from cache")
	t.notifyLocked()
	return nil
}

func (t *Tracker) loadCached(ctx context.Context, key string, out interface{}) error {
	entry, err := t.cache.GetCache(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cached %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Data, out); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("discarding unreadable cache entry")
	}
	return nil
}

// Refresh fetches a fresh snapshot. A newer Refresh cancels an older one
// still in flight; the superseded call returns nil and its response is
// discarded.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	if t.expired {
		t.mu.Unlock()
		return ErrSessionExpired
	}
	if t.cancelRefresh != nil {
		t.cancelRefresh()
	}
	rctx, cancel := context.WithCancel(ctx)
	t.refreshSeq++
	seq := t.refreshSeq
	t.cancelRefresh = cancel
	t.mu.Unlock()
	defer cancel()

	t.metrics.RecordPoll()
	snap, err := t.api.State(rctx)

	var (
		events []models.Event
		notes  []models.Notification
	)
	if err == nil {
		events, notes = t.fetchFeeds(rctx)
	}

	t.mu.Lock()
	if seq != t.refreshSeq {
		t.mu.Unlock()
		t.metrics.RecordStale()
		t.logger.Debug().Uint64("seq", seq).Msg("discarding superseded refresh")
		return nil
	}
	t.cancelRefresh = nil
	if err != nil {
		defer t.mu.Unlock()
		return t.failLocked(ctx, err)
	}

	t.failures = 0
	t.offline = false
	t.status = ""
	t.snapshot = snap
	t.engine.Prune(snap)
	t.engine.ReconcileSnapshot(snap)
	if events != nil {
		t.events = events
	}
	if notes != nil {
		t.notifications = notes
	}
	t.syncedAt = t.engine.Clock().Now()
	t.notifyLocked()
	t.mu.Unlock()

	t.persist(ctx, store.KeySnapshot, snap)
	if events != nil {
		t.persist(ctx, store.KeyEvents, events)
	}
	if notes != nil {
		t.persist(ctx, store.KeyNotifications, notes)
	}
	return nil
}

// fetchFeeds loads the display-only feeds. Failures keep the previous values.
func (t *Tracker) fetchFeeds(ctx context.Context) ([]models.Event, []models.Notification) {
	events, err := t.api.Events(ctx)
	if err != nil {
		t.logger.Debug().Err(err).Msg("events unavailable")
		events = nil
	}
	notes, err := t.api.Notifications(ctx)
	if err != nil {
		t.logger.Debug().Err(err).Msg("notifications unavailable")
		notes = nil
	}
	return events, notes
}

// failLocked classifies a refresh error and updates the session status.
func (t *Tracker) failLocked(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, client.ErrUnauthorized):
		t.expireLocked()
		return ErrSessionExpired
	case ctx.Err() != nil:
		return err
	}

	reason := "error"
	if client.IsTransient(err) {
		reason = "transient"
	}
	t.failures++
	t.metrics.RecordPollFailure(reason)
	t.logger.Warn().Err(err).Int("consecutive", t.failures).Msg("refresh failed")
	if t.failures >= t.threshold {
		t.offline = true
		t.status = fmt.Sprintf("connection lost (%d failed refreshes), showing last known state", t.failures)
	}
	t.notifyLocked()
	return err
}

func (t *Tracker) expireLocked() {
	if t.expired {
		return
	}
	t.expired = true
	t.status = "session expired, run `joblog login`"
	t.logger.Error().Msg("backend rejected the token, polling halted")
	t.notifyLocked()
}

// Submit sends a mutation. When the backend queues it, or cannot be reached,
// the mutation is applied optimistically; undelivered mutations go to the
// outbox. A delivered mutation triggers a refresh. The returned outcome is
// one of the audit outcomes.
func (t *Tracker) Submit(ctx context.Context, m reconcile.Mutation) (string, error) {
	if t.Expired() {
		return audit.OutcomeFailed, ErrSessionExpired
	}

	key := uuid.New().String()
	res, err := t.api.Send(ctx, m, key)
	switch {
	case err == nil && res.Queued:
		t.record(ctx, m, audit.OutcomeQueued, "queued by backend")
		t.applyOptimistic(ctx, m)
		return audit.OutcomeQueued, nil

	case err == nil:
		t.record(ctx, m, audit.OutcomeSent, "")
		if err := t.Refresh(ctx); err != nil && !errors.Is(err, ErrSessionExpired) {
			t.logger.Debug().Err(err).Msg("refresh after mutation failed")
		}
		return audit.OutcomeSent, nil

	case errors.Is(err, client.ErrUnauthorized):
		t.mu.Lock()
		t.expireLocked()
		t.mu.Unlock()
		t.record(ctx, m, audit.OutcomeFailed, err.Error())
		return audit.OutcomeFailed, ErrSessionExpired

	case client.IsTransient(err):
		payload, encErr := reconcile.Encode(m)
		if encErr != nil {
			return audit.OutcomeFailed, encErr
		}
		if _, qErr := t.cache.Enqueue(ctx, key, string(m.Kind()), payload); qErr != nil {
			t.record(ctx, m, audit.OutcomeFailed, qErr.Error())
			return audit.OutcomeFailed, fmt.Errorf("queue %s: %w", m.Kind(), qErr)
		}
		t.record(ctx, m, audit.OutcomeQueued, "offline")
		t.logger.Info().Str("kind", string(m.Kind())).Str("subject", m.Subject()).Msg("backend unreachable, mutation queued")
		t.applyOptimistic(ctx, m)
		t.refreshPending(ctx)
		return audit.OutcomeQueued, nil
	}

	t.record(ctx, m, audit.OutcomeFailed, err.Error())
	return audit.OutcomeFailed, err
}

// applyOptimistic patches a clone of the current snapshot and makes it the
// new current snapshot until the next refresh replaces it. The clone starts
// from the displayed clocks, so no member moves backward on screen and a
// move folds the time the user saw.
func (t *Tracker) applyOptimistic(ctx context.Context, m reconcile.Mutation) {
	t.mu.Lock()
	base := t.snapshot.Clone()
	t.engine.Settle(base)
	next, reset := reconcile.ApplyBatch(base, m)
	t.engine.Forget(reset...)
	t.snapshot = next
	t.engine.ReconcileSnapshot(next)
	t.metrics.RecordOptimistic(string(m.Kind()))
	t.notifyLocked()
	t.mu.Unlock()

	t.persist(ctx, store.KeySnapshot, next)
}

// Replay resends outbox entries in order. It stops at the first transient
// failure; entries the backend rejects are dropped. When the outbox drains
// a full refresh resynchronizes the session. It returns the number of
// delivered entries.
func (t *Tracker) Replay(ctx context.Context) (int, error) {
	if t.Expired() {
		return 0, ErrSessionExpired
	}
	entries, err := t.cache.Pending(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, e := range entries {
		m, err := reconcile.Decode(reconcile.Kind(e.Kind), e.Payload)
		if err != nil {
			t.logger.Warn().Err(err).Str("id", e.ID).Msg("dropping undecodable outbox entry")
			t.recordRaw(ctx, e.Kind, e.Payload, audit.OutcomeDropped, "", err.Error())
			t.ack(ctx, e.ID)
			continue
		}

		_, err = t.api.Send(ctx, m, e.ID)
		switch {
		case err == nil:
			t.ack(ctx, e.ID)
			t.record(ctx, m, audit.OutcomeReplayed, "")
			t.metrics.RecordReplayed()
			delivered++
		case errors.Is(err, client.ErrUnauthorized):
			t.mu.Lock()
			t.expireLocked()
			t.mu.Unlock()
			t.refreshPending(ctx)
			return delivered, ErrSessionExpired
		case client.IsTransient(err) || ctx.Err() != nil:
			if _, bErr := t.cache.BumpAttempts(ctx, e.ID); bErr != nil {
				t.logger.Debug().Err(bErr).Msg("bump attempts")
			}
			t.refreshPending(ctx)
			return delivered, err
		default:
			t.logger.Warn().Err(err).Str("kind", e.Kind).Msg("backend rejected queued mutation, dropping")
			t.record(ctx, m, audit.OutcomeDropped, err.Error())
			t.ack(ctx, e.ID)
		}
	}

	t.refreshPending(ctx)
	if len(entries) > 0 {
		t.logger.Info().Int("delivered", delivered).Int("queued", len(entries)).Msg("outbox replayed")
	}
	return delivered, t.Refresh(ctx)
}

func (t *Tracker) ack(ctx context.Context, id string) {
	if err := t.cache.Ack(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		t.logger.Warn().Err(err).Str("id", id).Msg("ack outbox entry")
	}
}

func (t *Tracker) refreshPending(ctx context.Context) {
	depth, err := t.cache.OutboxDepth(ctx)
	if err != nil {
		t.logger.Debug().Err(err).Msg("outbox depth")
		return
	}
	t.mu.Lock()
	t.setPendingLocked(depth)
	t.notifyLocked()
	t.mu.Unlock()
}

func (t *Tracker) setPendingLocked(n int) {
	t.pending = n
	t.metrics.SetOutboxDepth(n)
}

func (t *Tracker) record(ctx context.Context, m reconcile.Mutation, outcome, details string) {
	if t.recorder == nil {
		return
	}
	if _, err := t.recorder.Record(ctx, string(m.Kind()), m, outcome, m.Subject(), details); err != nil {
		t.logger.Warn().Err(err).Msg("write mutation log")
	}
}

func (t *Tracker) recordRaw(ctx context.Context, kind string, payload []byte, outcome, subject, details string) {
	if t.recorder == nil {
		return
	}
	if _, err := t.recorder.Record(ctx, kind, json.RawMessage(payload), outcome, subject, details); err != nil {
		t.logger.Warn().Err(err).Msg("write mutation log")
	}
}

func (t *Tracker) persist(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("encode cache entry")
		return
	}
	if err := t.cache.PutCache(ctx, key, data); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("write cache entry")
	}
}

// Tick advances running clocks to now without touching the network.
func (t *Tracker) Tick(now time.Time) {
	if changed := t.engine.Tick(now); len(changed) == 0 {
		return
	}
	t.mu.Lock()
	t.notifyLocked()
	t.mu.Unlock()
}

// Pending returns the number of outbox entries waiting for replay.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// View returns the current rendering of the session.
func (t *Tracker) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewLocked()
}

func (t *Tracker) viewLocked() View {
	s := t.snapshot
	v := View{
		Snapshot:      s,
		Elapsed:       make(map[string]int64),
		Totals:        make(map[string]int64, len(s.Activities)),
		Events:        t.events,
		Notifications: t.notifications,
		Status:        t.status,
		Expired:       t.expired,
		Offline:       t.offline,
		Pending:       t.pending,
		SyncedAt:      t.syncedAt,
		Now:           t.engine.Clock().Now(),
	}
	for _, m := range s.Members() {
		if d, ok := t.engine.Display(m.Key); ok {
			v.Elapsed[m.Key] = d
		} else {
			v.Elapsed[m.Key] = m.ElapsedMs
		}
	}
	for _, a := range s.Activities {
		v.Totals[a.ID] = t.engine.ActivityTotal(a)
	}
	return v
}

// Subscribe returns a channel receiving a View after every change. Slow
// readers only see the latest View. Call cancel to unsubscribe.
func (t *Tracker) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) notifyLocked() {
	if len(t.subs) == 0 {
		return
	}
	v := t.viewLocked()
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
