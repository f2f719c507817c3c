package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joblog/joblog/internal/models"
)

// Kind tags a mutation variant.
type Kind string

const (
	KindPause          Kind = "pause"
	KindResume         Kind = "resume"
	KindFinish         Kind = "finish"
	KindMove           Kind = "move"
	KindStartMembers   Kind = "start_members"
	KindStartActivity  Kind = "start_activity"
	KindCreateActivity Kind = "create_activity"
)

// ErrUnknownKind is returned when decoding a mutation of an unknown kind.
var ErrUnknownKind = errors.New("unknown mutation kind")

// Mutation is a state change that can be sent to the server and, while
// unconfirmed, applied locally to a snapshot clone.
type Mutation interface {
	Kind() Kind
	// Subject returns the member key or activity id the mutation targets.
	Subject() string
	// apply patches s in place and returns the member keys whose client
	// clock must be dropped.
	apply(s *models.StateSnapshot) []string
}

// Pause suspends a member's timer.
type Pause struct {
	MemberKey string `json:"memberKey"`
}

// Resume restarts a paused member's timer.
type Resume struct {
	MemberKey string `json:"memberKey"`
}

// Finish ends a member's work segment and removes them from every collection.
type Finish struct {
	MemberKey string `json:"memberKey"`
}

// Move reassigns a member to an activity, or to the unassigned pool when
// TargetActivityID is empty. Running and Paused override the inferred state.
// ElapsedMs carries the client's displayed elapsed time to the server so it can
// fold the same value; it is not used when patching locally.
type Move struct {
	MemberKey        string `json:"memberKey"`
	TargetActivityID string `json:"activityId,omitempty"`
	ElapsedMs        *int64 `json:"elapsedMs,omitempty"`
	Running          *bool  `json:"running,omitempty"`
	Paused           *bool  `json:"paused,omitempty"`
}

// StartMembers starts the timers of the given unassigned members.
type StartMembers struct {
	MemberKeys []string `json:"memberKeys"`
}

// StartActivity starts the timers of every member of an activity.
type StartActivity struct {
	ActivityID string `json:"activityId"`
}

// CreateActivity adds an empty activity.
type CreateActivity struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

func (Pause) Kind() Kind          { return KindPause }
func (Resume) Kind() Kind         { return KindResume }
func (Finish) Kind() Kind         { return KindFinish }
func (Move) Kind() Kind           { return KindMove }
func (StartMembers) Kind() Kind   { return KindStartMembers }
func (StartActivity) Kind() Kind  { return KindStartActivity }
func (CreateActivity) Kind() Kind { return KindCreateActivity }

func (m Pause) Subject() string          { return m.MemberKey }
func (m Resume) Subject() string         { return m.MemberKey }
func (m Finish) Subject() string         { return m.MemberKey }
func (m Move) Subject() string           { return m.MemberKey }
func (m StartActivity) Subject() string  { return m.ActivityID }
func (m CreateActivity) Subject() string { return m.ID }

func (m StartMembers) Subject() string {
	if len(m.MemberKeys) == 1 {
		return m.MemberKeys[0]
	}
	return ""
}

func (m Pause) apply(s *models.StateSnapshot) []string {
	if member, _, ok := s.FindMember(m.MemberKey); ok {
		member.Running = false
		member.Paused = true
	}
	return nil
}

func (m Resume) apply(s *models.StateSnapshot) []string {
	if member, _, ok := s.FindMember(m.MemberKey); ok {
		member.Running = true
		member.Paused = false
	}
	return nil
}

func (m Finish) apply(s *models.StateSnapshot) []string {
	if _, _, ok := s.RemoveMember(m.MemberKey); ok {
		return []string{m.MemberKey}
	}
	return nil
}

func (m Move) apply(s *models.StateSnapshot) []string {
	var target *models.ActivityAggregate
	if m.TargetActivityID != "" {
		if target = s.Activity(m.TargetActivityID); target == nil {
			return nil
		}
	}

	member, from, ok := s.RemoveMember(m.MemberKey)
	if !ok {
		return nil
	}

	var reset []string
	if from.ActivityID != m.TargetActivityID {
		if member.Running {
			if source := s.Activity(from.ActivityID); source != nil {
				source.BaseRuntimeMs += member.ElapsedMs
			}
			member.ElapsedMs = 0
		}
		reset = append(reset, member.Key)
	}

	running := target != nil
	paused := false
	if m.Running != nil {
		running = *m.Running
	}
	if m.Paused != nil {
		paused = *m.Paused
	}
	if running {
		paused = false
	}
	member.Running = running
	member.Paused = paused
	member.ActivityRef = m.TargetActivityID

	if target != nil {
		target.Members = append(target.Members, member)
	} else {
		s.Team = append(s.Team, member)
	}
	return reset
}

func (m StartMembers) apply(s *models.StateSnapshot) []string {
	want := make(map[string]bool, len(m.MemberKeys))
	for _, k := range m.MemberKeys {
		want[k] = true
	}
	for i := range s.Team {
		if want[s.Team[i].Key] {
			s.Team[i].Running = true
			s.Team[i].Paused = false
		}
	}
	return nil
}

func (m StartActivity) apply(s *models.StateSnapshot) []string {
	a := s.Activity(m.ActivityID)
	if a == nil {
		return nil
	}
	for i := range a.Members {
		a.Members[i].Running = true
		a.Members[i].Paused = false
	}
	return nil
}

func (m CreateActivity) apply(s *models.StateSnapshot) []string {
	if m.ID == "" || s.Activity(m.ID) != nil {
		return nil
	}
	s.Activities = append(s.Activities, models.ActivityAggregate{
		ID:                      m.ID,
		Label:                   m.Label,
		Members:                 []models.TrackedMember{},
		PlannedMemberMultiplier: 1,
	})
	return nil
}

// ApplyOptimistic returns a clone of snapshot with the mutation applied. The
// input snapshot is never modified. A mutation whose member or activity
// cannot be found leaves the clone unchanged.
func ApplyOptimistic(snapshot *models.StateSnapshot, m Mutation) *models.StateSnapshot {
	out, _ := ApplyBatch(snapshot, m)
	return out
}

// ApplyBatch applies mutations in order to a single clone of snapshot and
// returns it along with the member keys whose client clock must be reset.
func ApplyBatch(snapshot *models.StateSnapshot, mutations ...Mutation) (*models.StateSnapshot, []string) {
	out := snapshot.Clone()
	var reset []string
	for _, m := range mutations {
		if m == nil {
			continue
		}
		reset = append(reset, m.apply(out)...)
	}
	return out, reset
}

// Encode serializes a mutation payload for the outbox and the wire.
func Encode(m Mutation) ([]byte, error) {
	return json.Marshal(m)
}

// Decode rebuilds a mutation from its kind and payload.
func Decode(kind Kind, payload []byte) (Mutation, error) {
	switch kind {
	case KindPause:
		return decodeAs[Pause](kind, payload)
	case KindResume:
		return decodeAs[Resume](kind, payload)
	case KindFinish:
		return decodeAs[Finish](kind, payload)
	case KindMove:
		return decodeAs[Move](kind, payload)
	case KindStartMembers:
		return decodeAs[StartMembers](kind, payload)
	case KindStartActivity:
		return decodeAs[StartActivity](kind, payload)
	case KindCreateActivity:
		return decodeAs[CreateActivity](kind, payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodeAs[T Mutation](kind Kind, payload []byte) (Mutation, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return v, nil
}
