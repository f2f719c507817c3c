package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joblog/joblog/internal/models"
	"github.com/joblog/joblog/internal/reconcile"
	"github.com/joblog/joblog/internal/tracker"
)

// Action is what a command line asks the screen to do.
type Action int

const (
	ActionMutate Action = iota
	ActionRefresh
	ActionReplay
	ActionQuit
)

// Command is a parsed command line.
type Command struct {
	Action   Action
	Mutation reconcile.Mutation
}

// ErrUsage is returned for malformed command lines.
var ErrUsage = errors.New("usage")

// ParseCommand turns a command line into a Command. Member arguments may be
// written with or without a leading @, activity arguments with or without #.
// Members and activities are checked against the snapshot in view.
func ParseCommand(input string, view tracker.View) (Command, error) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrUsage)
	}
	snap := view.Snapshot
	if snap == nil {
		snap = &models.StateSnapshot{}
	}

	cmd, args := strings.ToLower(parts[0]), parts[1:]
	switch cmd {
	case "pause", "resume", "finish":
		if len(args) != 1 {
			return Command{}, fmt.Errorf("%w: %s @member", ErrUsage, cmd)
		}
		key, err := memberArg(snap, args[0])
		if err != nil {
			return Command{}, err
		}
		var m reconcile.Mutation
		switch cmd {
		case "pause":
			m = reconcile.Pause{MemberKey: key}
		case "resume":
			m = reconcile.Resume{MemberKey: key}
		default:
			m = reconcile.Finish{MemberKey: key}
		}
		return Command{Action: ActionMutate, Mutation: m}, nil

	case "move":
		if len(args) < 1 || len(args) > 2 {
			return Command{}, fmt.Errorf("%w: move @member [#activity]", ErrUsage)
		}
		key, err := memberArg(snap, args[0])
		if err != nil {
			return Command{}, err
		}
		mv := reconcile.Move{MemberKey: key}
		if len(args) == 2 {
			id, err := activityArg(snap, args[1])
			if err != nil {
				return Command{}, err
			}
			mv.TargetActivityID = id
		}
		if member, _, ok := snap.FindMember(key); ok && member.Running {
			if shown, ok := view.Elapsed[key]; ok {
				mv.ElapsedMs = &shown
			}
		}
		return Command{Action: ActionMutate, Mutation: mv}, nil

	case "start":
		if len(args) == 0 {
			return Command{}, fmt.Errorf("%w: start @member... | start #activity", ErrUsage)
		}
		if len(args) == 1 && !strings.HasPrefix(args[0], "@") {
			if id, err := activityArg(snap, args[0]); err == nil {
				return Command{Action: ActionMutate, Mutation: reconcile.StartActivity{ActivityID: id}}, nil
			}
		}
		keys := make([]string, 0, len(args))
		for _, a := range args {
			key, err := memberArg(snap, a)
			if err != nil {
				return Command{}, err
			}
			keys = append(keys, key)
		}
		return Command{Action: ActionMutate, Mutation: reconcile.StartMembers{MemberKeys: keys}}, nil

	case "new":
		if len(args) < 2 {
			return Command{}, fmt.Errorf("%w: new <id> <label>", ErrUsage)
		}
		id := strings.TrimPrefix(args[0], "#")
		if snap.Activity(id) != nil {
			return Command{}, fmt.Errorf("activity %s already exists", id)
		}
		return Command{Action: ActionMutate, Mutation: reconcile.CreateActivity{ID: id, Label: strings.Join(args[1:], " ")}}, nil

	case "refresh":
		return Command{Action: ActionRefresh}, nil
	case "replay":
		return Command{Action: ActionReplay}, nil
	case "q", "quit", "exit":
		return Command{Action: ActionQuit}, nil
	}
	return Command{}, fmt.Errorf("unknown command %q (try: pause, resume, finish, move, start, new)", cmd)
}

func memberArg(s *models.StateSnapshot, arg string) (string, error) {
	key := strings.TrimPrefix(arg, "@")
	if _, _, ok := s.FindMember(key); !ok {
		return "", fmt.Errorf("unknown member @%s", key)
	}
	return key, nil
}

func activityArg(s *models.StateSnapshot, arg string) (string, error) {
	id := strings.TrimPrefix(arg, "#")
	if s.Activity(id) == nil {
		return "", fmt.Errorf("unknown activity #%s", id)
	}
	return id, nil
}
