package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joblog/joblog/internal/devserver"
	"github.com/joblog/joblog/internal/models"
	"github.com/joblog/joblog/internal/tracker"
)

const testToken = "site-token"

type cliEnv struct {
	dir     string
	backend *devserver.Backend
	url     string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("JOBLOG_TOKEN", testToken)
	t.Setenv("JOBLOG_LOG_LEVEL", "error")

	b := devserver.NewBackend(devserver.DemoSnapshot(), nil, zerolog.Nop())
	srv := httptest.NewServer(devserver.NewRouter(b, testToken, zerolog.Nop()))
	t.Cleanup(srv.Close)

	return &cliEnv{dir: dir, backend: b, url: srv.URL}
}

// run executes the root command against url with a per-test cache.
func (e *cliEnv) run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{
		"--api", url,
		"--db", filepath.Join(e.dir, "joblog.db"),
		"--config", filepath.Join(e.dir, "config.yaml"),
	}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	return url
}

func TestCLI_Status(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, e.url, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Demo site (DEV-1)")
	assert.Contains(t, out, "mario")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "formwork")
	assert.Contains(t, out, "Rebar")
}

func TestCLI_StatusRejectedToken(t *testing.T) {
	e := newCLIEnv(t)
	t.Setenv("JOBLOG_TOKEN", "wrong")

	_, err := e.run(t, e.url, "status")
	require.Error(t, err)
	assert.ErrorIs(t, err, tracker.ErrSessionExpired)
	assert.Contains(t, err.Error(), "joblog login")
}

func TestCLI_PauseAndLog(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, e.url, "pause", "mario")
	require.NoError(t, err)
	assert.Contains(t, out, "pause mario: sent")

	m, _, ok := e.backend.Snapshot().FindMember("mario")
	require.True(t, ok)
	assert.Equal(t, models.MemberStatePaused, m.State())

	out, err = e.run(t, e.url, "log")
	require.NoError(t, err)
	assert.Contains(t, out, "pause")
	assert.Contains(t, out, "mario")
	assert.Contains(t, out, "sent")
}

func TestCLI_MoveToActivity(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, e.url, "move", "anna", "rebar")
	require.NoError(t, err)

	m, loc, ok := e.backend.Snapshot().FindMember("anna")
	require.True(t, ok)
	assert.Equal(t, "rebar", m.ActivityRef)
	assert.Equal(t, "rebar", loc.ActivityID)
}

func TestCLI_OfflineQueueThenReplay(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, deadURL(t), "pause", "mario")
	require.NoError(t, err)
	assert.Contains(t, out, "offline")
	assert.Contains(t, out, "pause mario: queued (1 pending)")

	m, _, _ := e.backend.Snapshot().FindMember("mario")
	assert.True(t, m.Running)

	out, err = e.run(t, e.url, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered 1 of 1")

	m, _, _ = e.backend.Snapshot().FindMember("mario")
	assert.True(t, m.Paused)

	out, err = e.run(t, e.url, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing queued")
}

func TestCLI_ActivityAddAndList(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, e.url, "activity", "add", "scaffold", "Scaffolding", "east")
	require.NoError(t, err)
	assert.Contains(t, out, "create_activity scaffold: sent")

	out, err = e.run(t, e.url, "activity", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "scaffold")
	assert.Contains(t, out, "Scaffolding east")

	// served from the cache while the backend is gone
	out, err = e.run(t, deadURL(t), "activity", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Scaffolding east")
}

func TestCLI_StartMembers(t *testing.T) {
	e := newCLIEnv(t)
	t.Cleanup(func() { startMembers = nil })

	out, err := e.run(t, e.url, "start", "--members", "anna,tomas")
	require.NoError(t, err)
	assert.Contains(t, out, "start_members")
	for _, key := range []string{"anna", "tomas"} {
		m, _, ok := e.backend.Snapshot().FindMember(key)
		require.True(t, ok)
		assert.True(t, m.Running, key)
	}
}

func TestCLI_LoginLogout(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, e.url, "login", "--token", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "logged in to "+e.url)

	mgr, err := authManager()
	require.NoError(t, err)
	assert.Equal(t, "abc", mgr.Token())

	out, err = e.run(t, e.url, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "logged out")

	out, err = e.run(t, e.url, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "not logged in")
}

func TestSummarizeIgnoresTicks(t *testing.T) {
	snap := devserver.DemoSnapshot()
	a := summarize(tracker.View{Snapshot: snap, Elapsed: map[string]int64{"mario": 1000}})
	b := summarize(tracker.View{Snapshot: snap, Elapsed: map[string]int64{"mario": 2000}})
	assert.Equal(t, a, b)
	assert.Equal(t, 1, a.running)
	assert.Equal(t, 1, a.paused)
	assert.Equal(t, 2, a.idle)

	c := summarize(tracker.View{Snapshot: snap, Pending: 1})
	assert.NotEqual(t, a, c)
}
