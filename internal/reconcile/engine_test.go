package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joblog/joblog/internal/models"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *ManualClock) {
	t.Helper()
	clock := NewManualClock(t0)
	return New(clock, DefaultConfig()), clock
}

func TestReconcileElapsed_FirstCallSeeds(t *testing.T) {
	e, _ := newTestEngine(t)

	got := e.ReconcileElapsed("m1", 60_000, true)
	assert.Equal(t, int64(60_000), got)

	rec, ok := e.Record("m1")
	require.True(t, ok)
	assert.Equal(t, int64(60_000), rec.Elapsed)
	assert.Equal(t, t0, rec.SyncedAt)
}

func TestReconcileElapsed_ProjectionWinsWithinGrace(t *testing.T) {
	e, clock := newTestEngine(t)
	e.ReconcileElapsed("m1", 60_000, true)

	clock.Advance(5 * time.Second)
	got := e.ReconcileElapsed("m1", 61_000, true)
	assert.Equal(t, int64(65_000), got)

	rec, _ := e.Record("m1")
	assert.Equal(t, int64(65_000), rec.Elapsed)
	assert.Equal(t, t0.Add(5*time.Second), rec.SyncedAt)
}

func TestReconcileElapsed_MonotonicWhileRunning(t *testing.T) {
	e, clock := newTestEngine(t)

	var wall int64
	last := e.ReconcileElapsed("m1", 10_000, true)
	steps := []time.Duration{300 * time.Millisecond, time.Second, 2 * time.Second, 50 * time.Millisecond, 5 * time.Second}
	for i := 0; i < 40; i++ {
		d := steps[i%len(steps)]
		clock.Advance(d)
		wall += d.Milliseconds()
		// server lags behind real time by a jittery amount within grace
		server := 10_000 + wall - int64(i%3)*400
		got := e.ReconcileElapsed("m1", server, true)
		assert.GreaterOrEqual(t, got, last, "step %d", i)
		last = got
	}
}

func TestReconcileElapsed_IdleFreeze(t *testing.T) {
	e, clock := newTestEngine(t)

	first := e.ReconcileElapsed("m1", 30_000, false)
	for i := 0; i < 5; i++ {
		clock.Advance(7 * time.Second)
		assert.Equal(t, first, e.ReconcileElapsed("m1", 30_000, false))
	}
}

func TestReconcileElapsed_IdleKeepsHigherClientValue(t *testing.T) {
	e, clock := newTestEngine(t)
	e.ReconcileElapsed("m1", 10_000, true)
	clock.Advance(time.Second)
	e.ReconcileElapsed("m1", 10_500, true) // 11_000 displayed

	clock.Advance(time.Second)
	// paused with a server value slightly behind: keep what the user saw
	assert.Equal(t, int64(11_000), e.ReconcileElapsed("m1", 10_200, false))
}

func TestReconcileElapsed_ResetOnRegression(t *testing.T) {
	e, clock := newTestEngine(t)
	e.ReconcileElapsed("m1", 600_000, true)

	clock.Advance(time.Second)
	assert.Equal(t, int64(2_000), e.ReconcileElapsed("m1", 2_000, true))

	clock.Advance(time.Second)
	// extrapolation continues from the reseeded value
	assert.Equal(t, int64(3_000), e.ReconcileElapsed("m1", 2_500, true))
}

func TestReconcileElapsed_ResetOnRegressionWhileIdle(t *testing.T) {
	e, clock := newTestEngine(t)
	e.ReconcileElapsed("m1", 600_000, false)

	clock.Advance(time.Second)
	assert.Equal(t, int64(0), e.ReconcileElapsed("m1", 0, false))
}

func TestReconcileElapsed_ServerAhead(t *testing.T) {
	e, clock := newTestEngine(t)
	e.ReconcileElapsed("m1", 10_000, true)

	clock.Advance(time.Second)
	assert.Equal(t, int64(90_000), e.ReconcileElapsed("m1", 90_000, true))
}

func TestReconcileElapsed_TrailingWithinGraceKeepsProjection(t *testing.T) {
	e, clock := newTestEngine(t)
	e.ReconcileElapsed("m1", 10_000, true)

	clock.Advance(time.Second)
	assert.Equal(t, int64(11_000), e.ReconcileElapsed("m1", 9_000, true))
}

func TestReconcileElapsed_ResumeDoesNotCountPausedTime(t *testing.T) {
	e, clock := newTestEngine(t)
	e.ReconcileElapsed("m1", 20_000, false)

	clock.Advance(time.Minute)
	assert.Equal(t, int64(20_000), e.ReconcileElapsed("m1", 20_000, true))
}

func TestReconcileElapsed_ConfigurableGrace(t *testing.T) {
	clock := NewManualClock(t0)
	e := New(clock, Config{GraceWindow: 100 * time.Millisecond})
	e.ReconcileElapsed("m1", 10_000, true)

	clock.Advance(time.Second)
	// 500ms behind the last value: outside a 100ms window, so the server wins
	assert.Equal(t, int64(9_500), e.ReconcileElapsed("m1", 9_500, true))
}

func TestReconcileElapsed_NegativeServerClamped(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Equal(t, int64(0), e.ReconcileElapsed("m1", -5, true))
}

func TestReseedHook(t *testing.T) {
	e, clock := newTestEngine(t)
	reasons := map[string]int{}
	e.SetReseedHook(func(r string) { reasons[r]++ })

	e.ReconcileElapsed("m1", 10_000, true)
	clock.Advance(time.Second)
	e.ReconcileElapsed("m1", 100_000, true)
	clock.Advance(time.Second)
	e.ReconcileElapsed("m1", 0, true)

	assert.Equal(t, 1, reasons[ReasonSeed])
	assert.Equal(t, 1, reasons[ReasonServerAhead])
	assert.Equal(t, 1, reasons[ReasonServerReset])
}

func TestTick_AdvancesRunningOnly(t *testing.T) {
	e, clock := newTestEngine(t)
	e.ReconcileElapsed("run", 1_000, true)
	e.ReconcileElapsed("pause", 5_000, false)

	changed := e.Tick(clock.Advance(3 * time.Second))
	assert.Equal(t, []string{"run"}, changed)

	v, ok := e.Display("run")
	require.True(t, ok)
	assert.Equal(t, int64(4_000), v)

	v, _ = e.Display("pause")
	assert.Equal(t, int64(5_000), v)

	// ticking twice at the same instant changes nothing
	assert.Empty(t, e.Tick(clock.Now()))
}

func TestTick_ThenReconcileStaysMonotonic(t *testing.T) {
	e, clock := newTestEngine(t)
	e.ReconcileElapsed("m1", 0, true)
	for i := 0; i < 5; i++ {
		e.Tick(clock.Advance(time.Second))
	}
	// server snapshot taken a little earlier
	assert.Equal(t, int64(5_000), e.ReconcileElapsed("m1", 4_200, true))
}

func TestDisplay_Unknown(t *testing.T) {
	e, _ := newTestEngine(t)
	_, ok := e.Display("nobody")
	assert.False(t, ok)
}

func TestForget(t *testing.T) {
	e, _ := newTestEngine(t)
	e.ReconcileElapsed("m1", 1, true)
	e.ReconcileElapsed("m2", 1, true)
	e.Forget("m1")
	assert.Equal(t, 1, e.Len())
	_, ok := e.Record("m1")
	assert.False(t, ok)
}

func TestSettle_WritesDisplayedValues(t *testing.T) {
	e, clock := newTestEngine(t)
	s := &models.StateSnapshot{
		Team: []models.TrackedMember{{Key: "t1"}},
		Activities: []models.ActivityAggregate{{
			ID: "A1",
			Members: []models.TrackedMember{
				{Key: "m1", ActivityRef: "A1", Running: true, ElapsedMs: 60_000},
				{Key: "m2", ActivityRef: "A1", Paused: true, ElapsedMs: 7_000},
				{Key: "m3", ActivityRef: "A1", Running: true, ElapsedMs: 1_000},
			},
		}},
	}
	e.ReconcileSnapshot(s)
	e.Forget("m3")

	clock.Advance(4 * time.Second)
	e.Settle(s)

	members := s.Activities[0].Members
	assert.Equal(t, int64(64_000), members[0].ElapsedMs)
	assert.Equal(t, int64(7_000), members[1].ElapsedMs)
	assert.Equal(t, int64(1_000), members[2].ElapsedMs, "no record keeps the snapshot value")
	assert.Equal(t, int64(0), s.Team[0].ElapsedMs)
}

func TestActivityTotal_NeverDecreases(t *testing.T) {
	e, clock := newTestEngine(t)

	a := models.ActivityAggregate{
		ID:            "A1",
		BaseRuntimeMs: 10_000,
		Members:       []models.TrackedMember{{Key: "m1", Running: true, ElapsedMs: 5_000}},
	}
	e.ReconcileElapsed("m1", 5_000, true)
	assert.Equal(t, int64(15_000), e.ActivityTotal(a))

	clock.Advance(2 * time.Second)
	assert.Equal(t, int64(17_000), e.ActivityTotal(a))

	// the server briefly reports the member as stopped with no carry-over yet
	a.Members[0].Running = false
	e.ReconcileElapsed("m1", 5_000, false)
	assert.Equal(t, int64(17_000), e.ActivityTotal(a))
}

func TestReconcileSnapshot_ReassignedMemberStartsFresh(t *testing.T) {
	e, clock := newTestEngine(t)

	s := &models.StateSnapshot{Activities: []models.ActivityAggregate{
		{ID: "A1", Members: []models.TrackedMember{{Key: "m1", ActivityRef: "A1", Running: true, ElapsedMs: 120_000}}},
		{ID: "A2"},
	}}
	got := e.ReconcileSnapshot(s)
	assert.Equal(t, int64(120_000), got["m1"])

	clock.Advance(time.Second)
	moved := &models.StateSnapshot{Activities: []models.ActivityAggregate{
		{ID: "A1", BaseRuntimeMs: 120_000},
		{ID: "A2", Members: []models.TrackedMember{{Key: "m1", ActivityRef: "A2", Running: true, ElapsedMs: 0}}},
	}}
	got = e.ReconcileSnapshot(moved)
	assert.Equal(t, int64(0), got["m1"])
}

func TestReconcileSnapshot_IdleMembersHaveNoRecord(t *testing.T) {
	e, _ := newTestEngine(t)
	s := &models.StateSnapshot{Team: []models.TrackedMember{{Key: "t1", ElapsedMs: 42}}}

	got := e.ReconcileSnapshot(s)
	assert.Equal(t, int64(42), got["t1"])
	assert.Zero(t, e.Len())
}

func TestPrune(t *testing.T) {
	e, _ := newTestEngine(t)
	e.ReconcileElapsed("gone", 1, true)
	e.ReconcileElapsed("stays", 1, true)
	e.ActivityTotal(models.ActivityAggregate{ID: "old", BaseRuntimeMs: 5_000})

	e.Prune(&models.StateSnapshot{Activities: []models.ActivityAggregate{
		{ID: "A1", Members: []models.TrackedMember{{Key: "stays", Running: true}}},
	}})

	assert.Equal(t, 1, e.Len())
	_, ok := e.Record("stays")
	assert.True(t, ok)

	// totals for "old" were dropped, so a lower value is accepted again
	assert.Equal(t, int64(100), e.ActivityTotal(models.ActivityAggregate{ID: "old", BaseRuntimeMs: 100}))
}
