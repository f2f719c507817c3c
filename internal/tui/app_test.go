package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joblog/joblog/internal/audit"
	"github.com/joblog/joblog/internal/reconcile"
	"github.com/joblog/joblog/internal/tracker"
)

type fakeSession struct {
	mu        sync.Mutex
	view      tracker.View
	refreshes int
	replays   int
	ticks     []time.Time
	submitted []reconcile.Mutation
	outcome   string
	submitErr error
}

func (f *fakeSession) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeSession) Replay(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replays++
	return 1, nil
}

func (f *fakeSession) Submit(ctx context.Context, m reconcile.Mutation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, m)
	return f.outcome, f.submitErr
}

func (f *fakeSession) Tick(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, now)
}

func (f *fakeSession) View() tracker.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func newTestApp(t *testing.T) (*App, *fakeSession) {
	t.Helper()
	s := &fakeSession{view: boardView(), outcome: audit.OutcomeSent}
	a := New(context.Background(), s, Options{Logger: zerolog.Nop()})
	a.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return a, s
}

func typeLine(a *App, line string) tea.Cmd {
	a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(line)})
	_, cmd := a.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestApp_TickRearms(t *testing.T) {
	a, s := newTestApp(t)

	now := time.Date(2024, 3, 4, 8, 0, 1, 0, time.UTC)
	_, cmd := a.Update(tickMsg(now))
	assert.NotNil(t, cmd)
	require.Len(t, s.ticks, 1)
	assert.Equal(t, now, s.ticks[0])
}

func TestApp_SessionExpiredShownOnce(t *testing.T) {
	a, _ := newTestApp(t)
	a.polling = true

	a.Update(refreshedMsg{err: tracker.ErrSessionExpired})
	assert.False(t, a.polling)
	assert.Nil(t, a.handleRefreshed(refreshedMsg{err: tracker.ErrSessionExpired}))
	assert.Contains(t, a.View(), "session expired")
	assert.True(t, a.expiredSeen)

	a.message = ""
	a.Update(submittedMsg{mutation: reconcile.Pause{MemberKey: "mario"}, err: tracker.ErrSessionExpired})
	assert.Empty(t, a.message)
}

// collect runs cmd and every command it batches, returning the messages.
func collect(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, collect(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

func count[T any](msgs []tea.Msg) int {
	n := 0
	for _, m := range msgs {
		if _, ok := m.(T); ok {
			n++
		}
	}
	return n
}

func newPollingApp(t *testing.T) (*App, *fakeSession) {
	t.Helper()
	s := &fakeSession{view: boardView(), outcome: audit.OutcomeSent}
	a := New(context.Background(), s, Options{
		TickInterval: time.Millisecond,
		PollInterval: time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	a.polling = true
	return a, s
}

func TestApp_RefreshFailureKeepsPolling(t *testing.T) {
	a, s := newPollingApp(t)
	s.view.Pending = 1

	msgs := collect(a.handleRefreshed(refreshedMsg{err: errors.New("connection refused")}))
	assert.Equal(t, 1, count[pollMsg](msgs))
	assert.Zero(t, count[replayedMsg](msgs))
}

func TestApp_ReplaysWheneverChangesAreQueued(t *testing.T) {
	a, s := newPollingApp(t)

	// nothing pending: no replay
	msgs := collect(a.handleRefreshed(refreshedMsg{}))
	assert.Equal(t, 1, count[pollMsg](msgs))
	assert.Zero(t, count[replayedMsg](msgs))

	// a change queued while polls keep succeeding is replayed on the next poll
	a.Update(submittedMsg{mutation: reconcile.Pause{MemberKey: "mario"}, outcome: audit.OutcomeQueued})
	s.view.Pending = 1
	cmd := a.handleRefreshed(refreshedMsg{})
	assert.True(t, a.replaying)

	// no second replay while one is in flight
	msgs = collect(a.handleRefreshed(refreshedMsg{}))
	assert.Zero(t, count[replayedMsg](msgs))

	msgs = collect(cmd)
	require.Equal(t, 1, count[replayedMsg](msgs))
	for _, m := range msgs {
		if r, ok := m.(replayedMsg); ok {
			a.Update(r)
		}
	}
	assert.False(t, a.replaying)
	assert.Equal(t, 1, s.replays)
}

func TestApp_ManualRefreshDoesNotAddPollChain(t *testing.T) {
	a, s := newPollingApp(t)

	for i := 0; i < 2; i++ {
		cmd := typeLine(a, "refresh")
		require.NotNil(t, cmd)
		msg, ok := cmd().(refreshedMsg)
		require.True(t, ok)
		assert.True(t, msg.manual)
		assert.Zero(t, count[pollMsg](collect(a.handleRefreshed(msg))))
	}
	assert.Equal(t, 2, s.refreshes)
	assert.Equal(t, "✓ refreshed", a.message)

	// the scheduled chain still re-arms exactly once
	assert.Equal(t, 1, count[pollMsg](collect(a.handleRefreshed(refreshedMsg{}))))
}

func TestApp_SubmitCommand(t *testing.T) {
	a, s := newTestApp(t)

	cmd := typeLine(a, "pause @mario")
	require.NotNil(t, cmd)
	msg := cmd()
	sub, ok := msg.(submittedMsg)
	require.True(t, ok)
	assert.Equal(t, audit.OutcomeSent, sub.outcome)
	require.Len(t, s.submitted, 1)
	assert.Equal(t, reconcile.Pause{MemberKey: "mario"}, s.submitted[0])

	a.Update(sub)
	assert.Equal(t, "✓ pause mario", a.message)
	assert.False(t, a.isError)
}

func TestApp_QueuedSubmitMessage(t *testing.T) {
	a, _ := newTestApp(t)

	a.Update(submittedMsg{mutation: reconcile.Resume{MemberKey: "luigi"}, outcome: audit.OutcomeQueued})
	assert.Contains(t, a.message, "queued")
	assert.False(t, a.isError)
}

func TestApp_BadCommandShowsError(t *testing.T) {
	a, s := newTestApp(t)

	cmd := typeLine(a, "pause @ghost ")
	assert.Nil(t, cmd)
	assert.True(t, a.isError)
	assert.Equal(t, "unknown member @ghost", a.message)
	assert.Empty(t, s.submitted)
}

func TestApp_ViewRendersBoard(t *testing.T) {
	a, _ := newTestApp(t)

	out := a.View()
	assert.Contains(t, out, "Depot")
	assert.Contains(t, out, "Formwork")
	assert.Contains(t, out, "Mario")
	assert.Contains(t, out, "0:01:01")
}
