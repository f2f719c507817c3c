// Package reconcile keeps locally extrapolated member clocks in step with
// server snapshots and applies optimistic mutations to cloned snapshots.
package reconcile

import (
	"sync"
	"time"

	"github.com/joblog/joblog/internal/models"
)

// DefaultGraceWindow is the tolerance used to tell clock drift apart from an
// authoritative reset.
const DefaultGraceWindow = 1500 * time.Millisecond

// Reseed reasons reported to the reseed hook.
const (
	ReasonSeed        = "seed"
	ReasonIdleReset   = "idle_reset"
	ReasonServerReset = "server_reset"
	ReasonServerAhead = "server_ahead"
	ReasonReassigned  = "reassigned"
)

// Config defines the engine configuration.
type Config struct {
	GraceWindow time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{GraceWindow: DefaultGraceWindow}
}

// ElapsedRecord is the client-side view of a member's clock: the last known
// elapsed value and the wall-clock instant it was captured.
type ElapsedRecord struct {
	Elapsed  int64
	SyncedAt time.Time
	Running  bool

	activityRef string
}

// Engine owns the per-member extrapolation table and the last displayed
// activity totals.
type Engine struct {
	clock Clock
	grace int64

	mu      sync.Mutex
	records map[string]*ElapsedRecord
	totals  map[string]int64

	onReseed func(reason string)
}

// New creates an engine. A nil clock uses the system clock.
func New(clock Clock, cfg Config) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	return &Engine{
		clock:   clock,
		grace:   cfg.GraceWindow.Milliseconds(),
		records: make(map[string]*ElapsedRecord),
		totals:  make(map[string]int64),
	}
}

// SetReseedHook registers a callback invoked every time a record is seeded or
// reseeded from the server value.
func (e *Engine) SetReseedHook(fn func(reason string)) {
	e.mu.Lock()
	e.onReseed = fn
	e.mu.Unlock()
}

// Clock returns the engine's time source.
func (e *Engine) Clock() Clock {
	return e.clock
}

// ReconcileElapsed returns the elapsed value to display for memberKey given the
// latest server value, and records it as the new extrapolation base.
func (e *Engine) ReconcileElapsed(memberKey string, serverElapsedMs int64, running bool) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcileLocked(memberKey, serverElapsedMs, running, e.clock.Now())
}

func (e *Engine) reconcileLocked(key string, server int64, running bool, now time.Time) int64 {
	if server < 0 {
		server = 0
	}

	rec, ok := e.records[key]
	if !ok {
		e.records[key] = &ElapsedRecord{Elapsed: server, SyncedAt: now, Running: running}
		e.reseeded(ReasonSeed)
		return server
	}
	prev := rec.Elapsed

	if !running {
		rec.Running = false
		if server < prev-e.grace {
			e.reseedLocked(rec, server, now, ReasonIdleReset)
			return server
		}
		v := max64(server, prev)
		rec.Elapsed = v
		rec.SyncedAt = now
		return v
	}

	projected := prev
	if rec.Running {
		projected += max64(0, now.Sub(rec.SyncedAt).Milliseconds())
	}
	rec.Running = true

	switch {
	case server < prev-e.grace:
		e.reseedLocked(rec, server, now, ReasonServerReset)
		return server
	case server > projected+e.grace:
		e.reseedLocked(rec, server, now, ReasonServerAhead)
		return server
	}

	v := max64(server, projected)
	rec.Elapsed = v
	rec.SyncedAt = now
	return v
}

func (e *Engine) reseedLocked(rec *ElapsedRecord, server int64, now time.Time, reason string) {
	rec.Elapsed = server
	rec.SyncedAt = now
	e.reseeded(reason)
}

func (e *Engine) reseeded(reason string) {
	if e.onReseed != nil {
		e.onReseed(reason)
	}
}

// ReconcileSnapshot reconciles every member of the snapshot and returns the
// display values by member key. A member found under a different activity
// than last time starts a fresh record.
func (e *Engine) ReconcileSnapshot(s *models.StateSnapshot) map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	out := make(map[string]int64)
	visit := func(m models.TrackedMember, activityID string) {
		if !m.Running && !m.Paused {
			// idle members have no clock to extrapolate
			delete(e.records, m.Key)
			out[m.Key] = max64(0, m.ElapsedMs)
			return
		}
		if rec, ok := e.records[m.Key]; ok && rec.activityRef != activityID {
			delete(e.records, m.Key)
			e.reseeded(ReasonReassigned)
		}
		out[m.Key] = e.reconcileLocked(m.Key, m.ElapsedMs, m.Running, now)
		e.records[m.Key].activityRef = activityID
	}
	for _, m := range s.Team {
		visit(m, "")
	}
	for _, a := range s.Activities {
		for _, m := range a.Members {
			visit(m, a.ID)
		}
	}
	return out
}

// Tick advances every running record to now. It never touches the network
// and returns the keys whose display value changed.
func (e *Engine) Tick(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var changed []string
	for key, rec := range e.records {
		if !rec.Running {
			continue
		}
		delta := now.Sub(rec.SyncedAt).Milliseconds()
		if delta <= 0 {
			continue
		}
		rec.Elapsed += delta
		rec.SyncedAt = now
		changed = append(changed, key)
	}
	return changed
}

// Display returns the current extrapolated value for a member.
func (e *Engine) Display(memberKey string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.displayLocked(memberKey, e.clock.Now())
}

func (e *Engine) displayLocked(key string, now time.Time) (int64, bool) {
	rec, ok := e.records[key]
	if !ok {
		return 0, false
	}
	if !rec.Running {
		return rec.Elapsed, true
	}
	return rec.Elapsed + max64(0, now.Sub(rec.SyncedAt).Milliseconds()), true
}

// Settle overwrites the elapsed value of every running or paused member of s
// with what is currently displayed for it. Members without a record keep
// their snapshot value.
func (e *Engine) Settle(s *models.StateSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	settle := func(members []models.TrackedMember) {
		for i := range members {
			m := &members[i]
			if !m.Running && !m.Paused {
				continue
			}
			if v, ok := e.displayLocked(m.Key, now); ok {
				m.ElapsedMs = v
			}
		}
	}
	settle(s.Team)
	for i := range s.Activities {
		settle(s.Activities[i].Members)
	}
}

// Record returns a copy of the stored record for a member.
func (e *Engine) Record(memberKey string) (ElapsedRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[memberKey]
	if !ok {
		return ElapsedRecord{}, false
	}
	return *rec, true
}

// Forget drops the record for a member.
func (e *Engine) Forget(memberKeys ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range memberKeys {
		delete(e.records, k)
	}
}

// ActivityTotal returns the activity's total for display. The value never
// drops below what was last returned for the same activity id.
func (e *Engine) ActivityTotal(a models.ActivityAggregate) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	total := a.BaseRuntimeMs
	for _, m := range a.Members {
		if !m.Running {
			continue
		}
		if v, ok := e.displayLocked(m.Key, now); ok {
			total += v
		} else {
			total += m.ElapsedMs
		}
	}
	if last, ok := e.totals[a.ID]; ok && total < last {
		return last
	}
	e.totals[a.ID] = total
	return total
}

// Prune drops records of members no longer in the snapshot or no longer
// running or paused, and forgets totals of activities that disappeared.
func (e *Engine) Prune(s *models.StateSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keep := make(map[string]bool)
	for _, m := range s.Members() {
		if m.Running || m.Paused {
			keep[m.Key] = true
		}
	}
	for key := range e.records {
		if !keep[key] {
			delete(e.records, key)
		}
	}

	activities := make(map[string]bool, len(s.Activities))
	for _, a := range s.Activities {
		activities[a.ID] = true
	}
	for id := range e.totals {
		if !activities[id] {
			delete(e.totals, id)
		}
	}
}

// Len returns the number of tracked records.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
