// Package models defines the core domain types for JobLog.
package models

// MemberState is the derived timer state of a tracked member.
type MemberState string

const (
	MemberStateIdle    MemberState = "idle"
	MemberStateRunning MemberState = "running"
	MemberStatePaused  MemberState = "paused"
)

// TrackedMember is a person whose working time is being tracked.
type TrackedMember struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ActivityRef string `json:"activityRef,omitempty"` // empty = unassigned
	Running     bool   `json:"running"`
	Paused      bool   `json:"paused"`
	ElapsedMs   int64  `json:"elapsedMs"`
	LastStartTs *int64 `json:"lastStartTs,omitempty"` // epoch ms
}

// State derives the member's timer state from the running/paused flags.
func (m TrackedMember) State() MemberState {
	switch {
	case m.Running:
		return MemberStateRunning
	case m.Paused:
		return MemberStatePaused
	default:
		return MemberStateIdle
	}
}

// ActivityAggregate is an activity with the members currently assigned to it.
type ActivityAggregate struct {
	ID                      string          `json:"id"`
	Label                   string          `json:"label"`
	Members                 []TrackedMember `json:"members"`
	PlannedStart            *int64          `json:"plannedStart,omitempty"`
	PlannedEnd              *int64          `json:"plannedEnd,omitempty"`
	PlannedMemberMultiplier int             `json:"plannedMemberMultiplier,omitempty"`
	BaseRuntimeMs           int64           `json:"baseRuntimeMs"`
}

// TotalRunningMs is the carried-over runtime plus the elapsed time of running members.
func (a ActivityAggregate) TotalRunningMs() int64 {
	total := a.BaseRuntimeMs
	for _, m := range a.Members {
		if m.Running {
			total += m.ElapsedMs
		}
	}
	return total
}

// Multiplier returns the planned member multiplier, never less than 1.
func (a ActivityAggregate) Multiplier() int {
	if a.PlannedMemberMultiplier < 1 {
		return 1
	}
	return a.PlannedMemberMultiplier
}

// PlannedDurationMs scales the planned window by the expected number of workers.
// Returns 0 when the plan is incomplete or inverted.
func (a ActivityAggregate) PlannedDurationMs() int64 {
	if a.PlannedStart == nil || a.PlannedEnd == nil {
		return 0
	}
	d := *a.PlannedEnd - *a.PlannedStart
	if d <= 0 {
		return 0
	}
	return d * int64(a.Multiplier())
}

// Project describes the currently loaded project.
type Project struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// StateSnapshot is the authoritative state as last reported by the server.
type StateSnapshot struct {
	Team       []TrackedMember     `json:"team"`
	Activities []ActivityAggregate `json:"activities"`
	Project    *Project            `json:"project"`
}

// Clone returns a deep copy. Optimistic mutation always works on a clone so the
// snapshot bound to the current view is never modified in place.
func (s *StateSnapshot) Clone() *StateSnapshot {
	if s == nil {
		return &StateSnapshot{}
	}
	out := &StateSnapshot{
		Team:       cloneMembers(s.Team),
		Activities: make([]ActivityAggregate, len(s.Activities)),
	}
	for i, a := range s.Activities {
		a.Members = cloneMembers(a.Members)
		a.PlannedStart = cloneInt64(a.PlannedStart)
		a.PlannedEnd = cloneInt64(a.PlannedEnd)
		out.Activities[i] = a
	}
	if s.Project != nil {
		p := *s.Project
		out.Project = &p
	}
	return out
}

// Location identifies the collection holding a member. ActivityID is empty for
// the unassigned team pool.
type Location struct {
	ActivityID string
	Index      int
}

// FindMember locates a member by key in the team pool or any activity.
func (s *StateSnapshot) FindMember(key string) (*TrackedMember, Location, bool) {
	for i := range s.Team {
		if s.Team[i].Key == key {
			return &s.Team[i], Location{Index: i}, true
		}
	}
	for ai := range s.Activities {
		a := &s.Activities[ai]
		for i := range a.Members {
			if a.Members[i].Key == key {
				return &a.Members[i], Location{ActivityID: a.ID, Index: i}, true
			}
		}
	}
	return nil, Location{}, false
}

// Activity returns the activity with the given id, or nil.
func (s *StateSnapshot) Activity(id string) *ActivityAggregate {
	for i := range s.Activities {
		if s.Activities[i].ID == id {
			return &s.Activities[i]
		}
	}
	return nil
}

// Members returns every member in snapshot order: team pool first, then each activity.
func (s *StateSnapshot) Members() []TrackedMember {
	var out []TrackedMember
	out = append(out, s.Team...)
	for _, a := range s.Activities {
		out = append(out, a.Members...)
	}
	return out
}

// RemoveMember removes the member from whichever collection holds it and
// returns the removed value.
func (s *StateSnapshot) RemoveMember(key string) (TrackedMember, Location, bool) {
	m, loc, ok := s.FindMember(key)
	if !ok {
		return TrackedMember{}, Location{}, false
	}
	removed := *m
	if loc.ActivityID == "" {
		s.Team = append(s.Team[:loc.Index], s.Team[loc.Index+1:]...)
	} else {
		a := s.Activity(loc.ActivityID)
		a.Members = append(a.Members[:loc.Index], a.Members[loc.Index+1:]...)
	}
	return removed, loc, true
}

// Event is an entry of the activity feed. Display only.
type Event struct {
	ID      string `json:"id"`
	Ts      int64  `json:"ts"`
	Summary string `json:"summary"`
}

// Notification is a push notification kept in the local history.
type Notification struct {
	ID    string `json:"id"`
	Ts    int64  `json:"ts"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Read  bool   `json:"read"`
}

// MutationLogEntry records what happened to a locally issued mutation.
type MutationLogEntry struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	InputsHash string `json:"inputs_hash"`
	Outcome    string `json:"outcome"`
	MemberKey  string `json:"member_key,omitempty"`
	Details    string `json:"details,omitempty"`
	Ts         int64  `json:"ts"`
}

// OutboxEntry is a mutation waiting to be delivered to the server.
type OutboxEntry struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Payload   []byte `json:"payload"`
	CreatedAt int64  `json:"created_at"`
	Attempts  int    `json:"attempts"`
}

func cloneMembers(in []TrackedMember) []TrackedMember {
	if in == nil {
		return nil
	}
	out := make([]TrackedMember, len(in))
	for i, m := range in {
		m.LastStartTs = cloneInt64(m.LastStartTs)
		out[i] = m
	}
	return out
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
