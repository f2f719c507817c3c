// Package tui provides the interactive tracking screen for JobLog.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/joblog/joblog/internal/audit"
	"github.com/joblog/joblog/internal/reconcile"
	"github.com/joblog/joblog/internal/tracker"
)

// Session is the part of the tracker the screen drives.
type Session interface {
	Refresh(ctx context.Context) error
	Replay(ctx context.Context) (int, error)
	Submit(ctx context.Context, m reconcile.Mutation) (string, error)
	Tick(now time.Time)
	View() tracker.View
}

// Options configures the screen. Zero values get defaults.
type Options struct {
	TickInterval time.Duration
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// App is the main TUI application model.
type App struct {
	ctx         context.Context
	session     Session
	logger      zerolog.Logger
	tickEvery   time.Duration
	pollEvery   time.Duration
	view        tracker.View
	input       textinput.Model
	viewport    viewport.Model
	suggestions *Suggestions
	width       int
	height      int
	message     string
	isError     bool
	polling     bool
	replaying   bool
	expiredSeen bool
}

// New creates a new TUI application.
func New(ctx context.Context, session Session, opts Options) *App {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	ti := textinput.New()
	ti.Placeholder = "pause @key | resume @key | move @key #activity | start @a @b | new <id> <label>"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		ctx:         ctx,
		session:     session,
		logger:      opts.Logger.With().Str("component", "tui").Logger(),
		tickEvery:   opts.TickInterval,
		pollEvery:   opts.PollInterval,
		view:        session.View(),
		input:       ti,
		viewport:    viewport.New(80, 20),
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen(), tea.WithContext(a.ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && a.ctx.Err() != nil {
		return nil
	}
	return err
}

type tickMsg time.Time

type pollMsg struct{}

// refreshedMsg reports a settled refresh. Only scheduled refreshes re-arm
// the poll; a manual one never starts a second chain.
type refreshedMsg struct {
	err    error
	manual bool
}

type replayedMsg struct {
	delivered int
	err       error
}

type submittedMsg struct {
	mutation reconcile.Mutation
	outcome  string
	err      error
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	a.polling = true
	return tea.Batch(
		textinput.Blink,
		a.tickCmd(),
		a.refreshCmd(false),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			a.input.SetValue("")
			a.suggestions.Update("")
			a.message = ""
			return a, nil

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else {
				a.viewport.LineUp(1)
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else {
				a.viewport.LineDown(1)
			}
			return a, nil

		case "tab":
			a.acceptSuggestion()
			return a, nil

		case "enter":
			// complete first unless the word is already complete
			if next, ok := a.suggestions.Complete(a.input.Value()); ok && strings.TrimSpace(next) != strings.TrimSpace(a.input.Value()) {
				a.acceptSuggestion()
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line == "" {
				return a, nil
			}
			a.input.SetValue("")
			a.suggestions.Update("")
			return a, a.execute(line)
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = max(10, msg.Width-6)
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-9)

	case tickMsg:
		a.session.Tick(time.Time(msg))
		cmds = append(cmds, a.tickCmd())

	case pollMsg:
		cmds = append(cmds, a.refreshCmd(false))

	case refreshedMsg:
		cmds = append(cmds, a.handleRefreshed(msg))

	case replayedMsg:
		a.replaying = false
		switch {
		case errors.Is(msg.err, tracker.ErrSessionExpired):
			a.expire()
		case msg.err != nil:
			a.setError(fmt.Sprintf("replay stopped after %d: %v", msg.delivered, msg.err))
		case msg.delivered > 0:
			a.setMessage(fmt.Sprintf("✓ delivered %d queued change(s)", msg.delivered))
		}

	case submittedMsg:
		a.handleSubmitted(msg)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.view = a.session.View()
	a.updateSuggestions()
	a.viewport.SetContent(renderBoard(a.view))

	return a, tea.Batch(cmds...)
}

// handleRefreshed arms the next poll once a scheduled refresh settled and
// replays the outbox after any successful refresh that leaves changes
// queued. An expired session stops polling for good.
func (a *App) handleRefreshed(msg refreshedMsg) tea.Cmd {
	var next tea.Cmd
	if !msg.manual && a.polling {
		next = a.pollCmd()
	}

	switch {
	case errors.Is(msg.err, tracker.ErrSessionExpired):
		a.polling = false
		a.expire()
		return nil
	case msg.err != nil:
		a.logger.Debug().Err(msg.err).Bool("manual", msg.manual).Msg("refresh failed")
		if msg.manual {
			a.setError(fmt.Sprintf("refresh failed: %v", msg.err))
		}
		return next
	}

	if msg.manual {
		a.setMessage("✓ refreshed")
	}
	if a.session.View().Pending > 0 && !a.replaying {
		return tea.Batch(next, a.replayCmd())
	}
	return next
}

func (a *App) handleSubmitted(msg submittedMsg) {
	what := fmt.Sprintf("%s %s", msg.mutation.Kind(), msg.mutation.Subject())
	switch {
	case errors.Is(msg.err, tracker.ErrSessionExpired):
		a.expire()
	case msg.err != nil:
		a.setError(fmt.Sprintf("%s failed: %v", what, msg.err))
	case msg.outcome == audit.OutcomeQueued:
		a.setMessage(fmt.Sprintf("⧗ %s queued, shown optimistically", what))
	default:
		a.setMessage("✓ " + what)
	}
}

// expire reports the expired session once.
func (a *App) expire() {
	if a.expiredSeen {
		return
	}
	a.expiredSeen = true
	a.setError("session expired, run `joblog login` and restart")
}

func (a *App) setMessage(m string) {
	a.message = m
	a.isError = false
}

func (a *App) setError(m string) {
	a.message = m
	a.isError = true
}

func (a *App) acceptSuggestion() bool {
	next, ok := a.suggestions.Complete(a.input.Value())
	if !ok {
		return false
	}
	a.input.SetValue(next)
	a.input.CursorEnd()
	a.suggestions.Update(next)
	return true
}

func (a *App) updateSuggestions() {
	if s := a.view.Snapshot; s != nil {
		var keys, names []string
		for _, m := range s.Members() {
			keys = append(keys, m.Key)
			names = append(names, m.Name)
		}
		var ids, labels []string
		for _, act := range s.Activities {
			ids = append(ids, act.ID)
			labels = append(labels, act.Label)
		}
		a.suggestions.SetMembers(keys, names)
		a.suggestions.SetActivities(ids, labels)
	}
	a.suggestions.Update(a.input.Value())
}

func (a *App) execute(line string) tea.Cmd {
	cmd, err := ParseCommand(line, a.view)
	if err != nil {
		a.setError(err.Error())
		return nil
	}

	switch cmd.Action {
	case ActionQuit:
		return tea.Quit
	case ActionRefresh:
		a.setMessage("refreshing...")
		return a.refreshCmd(true)
	case ActionReplay:
		if a.replaying {
			return nil
		}
		return a.replayCmd()
	}

	m := cmd.Mutation
	return func() tea.Msg {
		outcome, err := a.session.Submit(a.ctx, m)
		return submittedMsg{mutation: m, outcome: outcome, err: err}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.tickEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) pollCmd() tea.Cmd {
	return tea.Tick(a.pollEvery, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

func (a *App) refreshCmd(manual bool) tea.Cmd {
	return func() tea.Msg {
		return refreshedMsg{err: a.session.Refresh(a.ctx), manual: manual}
	}
}

func (a *App) replayCmd() tea.Cmd {
	a.replaying = true
	return func() tea.Msg {
		n, err := a.session.Replay(a.ctx)
		return replayedMsg{delivered: n, err: err}
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(renderHeader(a.view) + "\n")
	b.WriteString(strings.Repeat("─", max(0, a.width)) + "\n")
	b.WriteString(a.viewport.View() + "\n")

	switch {
	case a.message != "" && a.isError:
		b.WriteString(errorStyle.Render(a.message))
	case a.message != "":
		b.WriteString(runningStyle.Render(a.message))
	case a.view.Status != "":
		b.WriteString(pausedStyle.Render(a.view.Status))
	}
	b.WriteString("\n")

	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	members := 0
	if a.view.Snapshot != nil {
		members = len(a.view.Snapshot.Members())
	}
	status := fmt.Sprintf(" Members: %d | ↑↓:scroll | Tab:complete | @:member | #:activity | Ctrl+C:quit", members)
	b.WriteString(statusBarStyle.Width(max(0, a.width)).Render(status))

	return b.String()
}
