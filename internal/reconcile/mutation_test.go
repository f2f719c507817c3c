package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joblog/joblog/internal/models"
)

func boolp(v bool) *bool { return &v }

func siteSnapshot() *models.StateSnapshot {
	return &models.StateSnapshot{
		Team: []models.TrackedMember{
			{Key: "t1", Name: "Tina"},
			{Key: "t2", Name: "Tom"},
		},
		Activities: []models.ActivityAggregate{
			{
				ID:            "A1",
				Label:         "Formwork",
				BaseRuntimeMs: 100_000,
				Members: []models.TrackedMember{
					{Key: "m2", Name: "Luigi", ActivityRef: "A1", Running: true, ElapsedMs: 20_000},
					{Key: "m3", Name: "Peach", ActivityRef: "A1", Paused: true, ElapsedMs: 5_000},
				},
			},
			{ID: "A2", Label: "Rebar", Members: []models.TrackedMember{}},
		},
	}
}

func TestApplyOptimistic_MoveCarriesElapsedIntoSource(t *testing.T) {
	s := siteSnapshot()

	out := ApplyOptimistic(s, Move{MemberKey: "m2", TargetActivityID: "A2"})

	a1 := out.Activity("A1")
	a2 := out.Activity("A2")
	require.NotNil(t, a1)
	require.NotNil(t, a2)
	assert.Equal(t, int64(120_000), a1.BaseRuntimeMs)
	require.Len(t, a2.Members, 1)
	moved := a2.Members[0]
	assert.Equal(t, "m2", moved.Key)
	assert.Equal(t, "A2", moved.ActivityRef)
	assert.Zero(t, moved.ElapsedMs)
	assert.True(t, moved.Running)
	assert.False(t, moved.Paused)

	require.Len(t, a1.Members, 1)
	assert.Equal(t, "m3", a1.Members[0].Key)
	assert.Equal(t, 1, countKey(out, "m2"))
}

func TestApplyOptimistic_DoesNotModifyInput(t *testing.T) {
	s := siteSnapshot()
	before := s.Clone()

	ApplyOptimistic(s, Move{MemberKey: "m2", TargetActivityID: "A2"})
	ApplyOptimistic(s, Finish{MemberKey: "m3"})
	ApplyOptimistic(s, Pause{MemberKey: "m2"})

	assert.Equal(t, before, s)
}

func TestApplyOptimistic_PauseResume(t *testing.T) {
	s := siteSnapshot()

	paused := ApplyOptimistic(s, Pause{MemberKey: "m2"})
	m, _, ok := paused.FindMember("m2")
	require.True(t, ok)
	assert.False(t, m.Running)
	assert.True(t, m.Paused)
	assert.Equal(t, int64(20_000), m.ElapsedMs)

	resumed := ApplyOptimistic(paused, Resume{MemberKey: "m2"})
	m, _, _ = resumed.FindMember("m2")
	assert.True(t, m.Running)
	assert.False(t, m.Paused)
}

func TestApplyOptimistic_FinishRemovesEverywhere(t *testing.T) {
	s := siteSnapshot()

	out := ApplyOptimistic(s, Finish{MemberKey: "m2"})
	assert.Zero(t, countKey(out, "m2"))

	// finishing twice is a no-op the second time
	again := ApplyOptimistic(out, Finish{MemberKey: "m2"})
	assert.Equal(t, out, again)
}

func TestApplyOptimistic_MissingEntitiesAreNoOps(t *testing.T) {
	s := siteSnapshot()

	cases := []Mutation{
		Pause{MemberKey: "ghost"},
		Resume{MemberKey: "ghost"},
		Finish{MemberKey: "ghost"},
		Move{MemberKey: "ghost", TargetActivityID: "A2"},
		Move{MemberKey: "m2", TargetActivityID: "missing"},
		StartActivity{ActivityID: "missing"},
		StartMembers{MemberKeys: []string{"ghost"}},
	}
	for _, m := range cases {
		t.Run(string(m.Kind()), func(t *testing.T) {
			assert.Equal(t, s, ApplyOptimistic(s, m))
		})
	}
}

func TestApplyOptimistic_MoveToPool(t *testing.T) {
	s := siteSnapshot()

	out := ApplyOptimistic(s, Move{MemberKey: "m2"})

	assert.Equal(t, int64(120_000), out.Activity("A1").BaseRuntimeMs)
	m, loc, ok := out.FindMember("m2")
	require.True(t, ok)
	assert.Empty(t, loc.ActivityID)
	assert.Empty(t, m.ActivityRef)
	assert.False(t, m.Running)
	assert.Zero(t, m.ElapsedMs)
}

func TestApplyOptimistic_MovePausedMemberKeepsBase(t *testing.T) {
	s := siteSnapshot()

	out := ApplyOptimistic(s, Move{MemberKey: "m3", TargetActivityID: "A2", Running: boolp(false), Paused: boolp(true)})

	assert.Equal(t, int64(100_000), out.Activity("A1").BaseRuntimeMs)
	m, loc, ok := out.FindMember("m3")
	require.True(t, ok)
	assert.Equal(t, "A2", loc.ActivityID)
	assert.False(t, m.Running)
	assert.True(t, m.Paused)
}

func TestApplyOptimistic_MoveWithinSameActivity(t *testing.T) {
	s := siteSnapshot()

	out, reset := ApplyBatch(s, Move{MemberKey: "m2", TargetActivityID: "A1"})

	assert.Equal(t, int64(100_000), out.Activity("A1").BaseRuntimeMs)
	m, _, _ := out.FindMember("m2")
	assert.Equal(t, int64(20_000), m.ElapsedMs)
	assert.Empty(t, reset)
}

func TestApplyOptimistic_StartMembersOnlyTouchesPool(t *testing.T) {
	s := siteSnapshot()

	out := ApplyOptimistic(s, StartMembers{MemberKeys: []string{"t1", "m3"}})

	t1, _, _ := out.FindMember("t1")
	assert.True(t, t1.Running)
	t2, _, _ := out.FindMember("t2")
	assert.False(t, t2.Running)
	m3, _, _ := out.FindMember("m3")
	assert.False(t, m3.Running)
}

func TestApplyOptimistic_StartActivity(t *testing.T) {
	s := siteSnapshot()

	out := ApplyOptimistic(s, StartActivity{ActivityID: "A1"})
	for _, m := range out.Activity("A1").Members {
		assert.True(t, m.Running, m.Key)
		assert.False(t, m.Paused, m.Key)
	}
}

func TestApplyOptimistic_CreateActivity(t *testing.T) {
	s := siteSnapshot()

	out := ApplyOptimistic(s, CreateActivity{ID: "A3", Label: "Pour"})
	a := out.Activity("A3")
	require.NotNil(t, a)
	assert.Equal(t, "Pour", a.Label)
	assert.Len(t, out.Activities, 3)

	// duplicate ids are ignored
	again := ApplyOptimistic(out, CreateActivity{ID: "A3", Label: "Other"})
	assert.Len(t, again.Activities, 3)
	assert.Equal(t, "Pour", again.Activity("A3").Label)
}

func TestApplyBatch_ContinuesPastNoOps(t *testing.T) {
	s := siteSnapshot()

	out, reset := ApplyBatch(s,
		Pause{MemberKey: "ghost"},
		Move{MemberKey: "m2", TargetActivityID: "A2"},
		nil,
		Finish{MemberKey: "m3"},
	)

	_, loc, ok := out.FindMember("m2")
	require.True(t, ok)
	assert.Equal(t, "A2", loc.ActivityID)
	assert.Zero(t, countKey(out, "m3"))
	assert.Equal(t, []string{"m2", "m3"}, reset)
}

func TestEncodeDecode(t *testing.T) {
	in := Move{MemberKey: "m2", TargetActivityID: "A2", ElapsedMs: int64p(42_000), Running: boolp(true)}

	payload, err := Encode(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"memberKey":"m2","activityId":"A2","elapsedMs":42000,"running":true}`, string(payload))

	out, err := Decode(KindMove, payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode("teleport", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode(KindPause, []byte(`not json`))
	assert.Error(t, err)
}

func int64p(v int64) *int64 { return &v }

func countKey(s *models.StateSnapshot, key string) int {
	n := 0
	for _, m := range s.Members() {
		if m.Key == key {
			n++
		}
	}
	return n
}
