package instance

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "run", "botwarden.lock")
	pidPath := filepath.Join(dir, "run", "botwarden.pid")

	c, err := Acquire(lockPath, pidPath)
	require.NoError(t, err)
	assert.Equal(t, lockPath, c.Path())

	pid, err := HolderPID(pidPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	if runtime.GOOS != "windows" {
		pid, err = HolderPID(lockPath)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	}

	// a second claim on the same file is refused
	_, err = Acquire(lockPath, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, c.Release())
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))

	c2, err := Acquire(lockPath, "")
	require.NoError(t, err)
	require.NoError(t, c2.Release())
}

func TestAcquireRequiresPath(t *testing.T) {
	_, err := Acquire("", "")
	assert.Error(t, err)
}

func TestReleaseNil(t *testing.T) {
	var c *Claim
	assert.NoError(t, c.Release())
}

func TestHolderPID(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.pid")
	require.NoError(t, os.WriteFile(p, []byte("  \n"), 0o644))
	pid, err := HolderPID(p)
	require.NoError(t, err)
	assert.Zero(t, pid)

	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))
	_, err = HolderPID(p)
	assert.Error(t, err)

	_, err = HolderPID(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
