package devserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/joblog/joblog/internal/models"
	"github.com/joblog/joblog/internal/reconcile"
)

// maxEvents caps the in-memory activity feed.
const maxEvents = 100

// Backend is an in-memory JobLog backend. Running members accrue elapsed
// time from the instant they were started, so snapshots read at different
// times report different values the way the real server does.
type Backend struct {
	clock  reconcile.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	state  *models.StateSnapshot
	since  map[string]time.Time
	events []models.Event
	notes  []models.Notification
	seen   map[string]struct{}
	queue  bool
	held   []reconcile.Mutation
}

// NewBackend creates a backend seeded with a copy of seed. A nil clock uses
// the system clock.
func NewBackend(seed *models.StateSnapshot, clock reconcile.Clock, logger zerolog.Logger) *Backend {
	if clock == nil {
		clock = reconcile.SystemClock{}
	}
	b := &Backend{
		clock:  clock,
		logger: logger.With().Str("component", "devserver").Logger(),
		state:  seed.Clone(),
		since:  make(map[string]time.Time),
		seen:   make(map[string]struct{}),
	}
	if b.state.Team == nil {
		b.state.Team = []models.TrackedMember{}
	}
	b.resyncLocked(clock.Now())
	return b
}

// DemoSnapshot returns a small site used by `joblog devserver`.
func DemoSnapshot() *models.StateSnapshot {
	start := time.Now().Add(-2 * time.Hour).UnixMilli()
	end := time.Now().Add(6 * time.Hour).UnixMilli()
	return &models.StateSnapshot{
		Team: []models.TrackedMember{
			{Key: "anna", Name: "Anna Berg"},
			{Key: "tomas", Name: "Tomas Lind"},
		},
		Activities: []models.ActivityAggregate{
			{
				ID:                      "formwork",
				Label:                   "Formwork",
				PlannedStart:            &start,
				PlannedEnd:              &end,
				PlannedMemberMultiplier: 2,
				BaseRuntimeMs:           (95 * time.Minute).Milliseconds(),
				Members: []models.TrackedMember{
					{Key: "mario", Name: "Mario Rossi", ActivityRef: "formwork", Running: true, ElapsedMs: (42 * time.Minute).Milliseconds()},
					{Key: "luigi", Name: "Luigi Verdi", ActivityRef: "formwork", Paused: true, ElapsedMs: (17 * time.Minute).Milliseconds()},
				},
			},
			{
				ID:            "rebar",
				Label:         "Rebar",
				BaseRuntimeMs: 0,
				Members:       []models.TrackedMember{},
			},
		},
		Project: &models.Project{Code: "DEV-1", Name: "Demo site"},
	}
}

// Snapshot returns the current state with running clocks settled to now.
func (b *Backend) Snapshot() *models.StateSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settleLocked(b.clock.Now())
	return b.state.Clone()
}

// Events returns the activity feed, newest first.
func (b *Backend) Events() []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Event{}, b.events...)
}

// Notifications returns the notification history, newest first.
func (b *Backend) Notifications() []models.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Notification{}, b.notes...)
}

// Notify pushes a notification.
func (b *Backend) Notify(title, body string) models.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := models.Notification{
		ID:    ulid.Make().String(),
		Ts:    b.clock.Now().UnixMilli(),
		Title: title,
		Body:  body,
	}
	b.notes = append([]models.Notification{n}, b.notes...)
	return n
}

// SetQueued switches queue mode. While on, accepted mutations are answered
// with queued:true and held back; switching it off applies them in order.
func (b *Backend) SetQueued(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = on
	if !on {
		b.flushLocked()
	}
}

// Flush applies held mutations in order without leaving queue mode. It
// returns how many were applied.
func (b *Backend) Flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *Backend) flushLocked() int {
	held := b.held
	b.held = nil
	for _, m := range held {
		b.applyLocked(m)
	}
	if len(held) > 0 {
		b.logger.Info().Int("count", len(held)).Msg("applied held mutations")
	}
	return len(held)
}

// Apply validates and applies a mutation. A repeated idempotency key is
// acknowledged without applying the mutation again. It reports whether the
// mutation was held back by queue mode.
func (b *Backend) Apply(idempotencyKey string, m reconcile.Mutation) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idempotencyKey != "" {
		if _, dup := b.seen[idempotencyKey]; dup {
			b.logger.Debug().Str("key", idempotencyKey).Msg("duplicate mutation ignored")
			return false, nil
		}
	}
	if err := b.validateLocked(m); err != nil {
		return false, err
	}
	if idempotencyKey != "" {
		b.seen[idempotencyKey] = struct{}{}
	}
	if b.queue {
		b.held = append(b.held, m)
		return true, nil
	}
	b.applyLocked(m)
	return false, nil
}

func (b *Backend) validateLocked(m reconcile.Mutation) error {
	switch v := m.(type) {
	case reconcile.Pause, reconcile.Resume, reconcile.Finish:
		if _, _, ok := b.state.FindMember(v.Subject()); !ok {
			return fmt.Errorf("%w: %s", ErrMemberNotFound, v.Subject())
		}
	case reconcile.Move:
		if _, _, ok := b.state.FindMember(v.MemberKey); !ok {
			return fmt.Errorf("%w: %s", ErrMemberNotFound, v.MemberKey)
		}
		if v.TargetActivityID != "" && b.state.Activity(v.TargetActivityID) == nil {
			return fmt.Errorf("%w: %s", ErrActivityNotFound, v.TargetActivityID)
		}
	case reconcile.StartMembers:
		if len(v.MemberKeys) == 0 {
			return fmt.Errorf("%w: no members to start", ErrInvalidRequest)
		}
		for _, k := range v.MemberKeys {
			if _, _, ok := b.state.FindMember(k); !ok {
				return fmt.Errorf("%w: %s", ErrMemberNotFound, k)
			}
		}
	case reconcile.StartActivity:
		if b.state.Activity(v.ActivityID) == nil {
			return fmt.Errorf("%w: %s", ErrActivityNotFound, v.ActivityID)
		}
	case reconcile.CreateActivity:
		if v.ID == "" || v.Label == "" {
			return fmt.Errorf("%w: id and label are required", ErrInvalidRequest)
		}
		if b.state.Activity(v.ID) != nil {
			return fmt.Errorf("%w: %s", ErrActivityExists, v.ID)
		}
	default:
		return fmt.Errorf("%w: %T", ErrInvalidRequest, m)
	}
	return nil
}

func (b *Backend) applyLocked(m reconcile.Mutation) {
	now := b.clock.Now()
	b.settleLocked(now)

	// The client sends the elapsed time it displayed; keep the larger value
	// so the fold never loses time the member could see.
	if mv, ok := m.(reconcile.Move); ok && mv.ElapsedMs != nil {
		if member, _, found := b.state.FindMember(mv.MemberKey); found && member.Running && *mv.ElapsedMs > member.ElapsedMs {
			member.ElapsedMs = *mv.ElapsedMs
		}
	}

	summary := b.summarizeLocked(m)
	b.state, _ = reconcile.ApplyBatch(b.state, m)
	b.resyncLocked(now)

	b.events = append([]models.Event{{
		ID:      ulid.Make().String(),
		Ts:      now.UnixMilli(),
		Summary: summary,
	}}, b.events...)
	if len(b.events) > maxEvents {
		b.events = b.events[:maxEvents]
	}
	b.logger.Debug().Str("kind", string(m.Kind())).Str("subject", m.Subject()).Msg("mutation applied")
}

// settleLocked folds the time since each running member was started into
// its elapsed value.
func (b *Backend) settleLocked(now time.Time) {
	for key, start := range b.since {
		member, _, ok := b.state.FindMember(key)
		if !ok || !member.Running {
			continue
		}
		if d := now.Sub(start).Milliseconds(); d > 0 {
			member.ElapsedMs += d
		}
		b.since[key] = now
	}
}

// resyncLocked starts the server clock of newly running members and drops
// it for members that stopped or left.
func (b *Backend) resyncLocked(now time.Time) {
	running := make(map[string]bool)
	for _, m := range b.state.Members() {
		if m.Running {
			running[m.Key] = true
		}
	}
	for key := range b.since {
		if !running[key] {
			delete(b.since, key)
		}
	}
	for key := range running {
		if _, ok := b.since[key]; ok {
			continue
		}
		b.since[key] = now
		if member, _, ok := b.state.FindMember(key); ok {
			ts := now.UnixMilli()
			member.LastStartTs = &ts
		}
	}
}

func (b *Backend) summarizeLocked(m reconcile.Mutation) string {
	name := func(key string) string {
		if member, _, ok := b.state.FindMember(key); ok && member.Name != "" {
			return member.Name
		}
		return key
	}
	label := func(id string) string {
		if a := b.state.Activity(id); a != nil {
			return a.Label
		}
		return id
	}

	switch v := m.(type) {
	case reconcile.Pause:
		return name(v.MemberKey) + " paused"
	case reconcile.Resume:
		return name(v.MemberKey) + " resumed"
	case reconcile.Finish:
		return name(v.MemberKey) + " finished"
	case reconcile.Move:
		if v.TargetActivityID == "" {
			return name(v.MemberKey) + " returned to the team"
		}
		return name(v.MemberKey) + " moved to " + label(v.TargetActivityID)
	case reconcile.StartMembers:
		if len(v.MemberKeys) == 1 {
			return name(v.MemberKeys[0]) + " started"
		}
		return fmt.Sprintf("%d members started", len(v.MemberKeys))
	case reconcile.StartActivity:
		return label(v.ActivityID) + " started"
	case reconcile.CreateActivity:
		return "Activity " + v.Label + " created"
	}
	return string(m.Kind())
}
