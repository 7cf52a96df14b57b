package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLock_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	require.NoError(t, m.WriteLock())

	info, err := os.Stat(filepath.Join(dir, PidFilename))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	lock, err := m.ReadLock()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)
	assert.Equal(t, m.StartedAt(), lock.StartedAt)
	assert.NotZero(t, lock.StartedAt)

	// Our own process is alive.
	assert.True(t, m.IsRunning())

	m.CleanupLock()
	_, err = m.ReadLock()
	assert.Error(t, err)
}

func TestReadLock_LegacyBarePID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PidFilename), []byte("12345\n"), 0o600))

	lock, err := NewManager(dir).ReadLock()
	require.NoError(t, err)
	assert.Equal(t, 12345, lock.PID)
	assert.Zero(t, lock.StartedAt)
}

func TestIsRunning_StaleLockCleared(t *testing.T) {
	dir := t.TempDir()
	// A PID that cannot exist.
	require.NoError(t, os.WriteFile(filepath.Join(dir, PidFilename),
		[]byte(`{"pid":99999999,"startedAt":1}`), 0o600))

	m := NewManager(dir)
	assert.False(t, m.IsRunning())

	_, err := os.Stat(filepath.Join(dir, PidFilename))
	assert.True(t, os.IsNotExist(err), "stale lock removed")
}

func TestIsRunning_NoLock(t *testing.T) {
	assert.False(t, NewManager(t.TempDir()).IsRunning())
}
