package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginLogout(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir)
	require.NoError(t, err)
	assert.False(t, m.IsAuthenticated())

	require.NoError(t, m.Login("  tok-123 ", "http://backend"))
	assert.Equal(t, "tok-123", m.Token())

	info, err := os.Stat(filepath.Join(dir, "credentials.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// a fresh manager reads the same file
	again, err := NewManager(dir)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", again.Token())
	assert.Equal(t, "http://backend", again.Credentials().APIURL)

	require.NoError(t, again.Logout())
	assert.False(t, again.IsAuthenticated())
	require.NoError(t, again.Logout())

	_, err = os.Stat(filepath.Join(dir, "credentials.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoginRejectsBlankToken(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Login("   ", ""), ErrNoToken)
}

func TestCorruptCredentials(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.json"), []byte("{"), 0600))

	_, err := NewManager(dir)
	assert.Error(t, err)
}
