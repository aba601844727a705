package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquire_WritesPidfileWithOwnPID(t *testing.T) {
	home := t.TempDir()

	path, err := Acquire(home, "inst-a", "/tmp/inst-a.sock")
	require.NoError(t, err)
	require.Equal(t, Path(home), path)

	f, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), f.PID)
	require.Equal(t, "inst-a", f.InstanceID)
	require.NotNil(t, f.SocketPath)
	require.Equal(t, "/tmp/inst-a.sock", *f.SocketPath)
}

func TestAcquire_RejectsWhenLiveHolderPresent(t *testing.T) {
	home := t.TempDir()

	_, err := Acquire(home, "inst-a", "")
	require.NoError(t, err)

	_, err = Acquire(home, "inst-b", "")
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquire_OverwritesStalePidfile(t *testing.T) {
	home := t.TempDir()
	path := Path(home)
	require.NoError(t, os.MkdirAll(home, 0700))

	stale := File{PID: 999999, InstanceID: "dead-instance"}
	require.NoError(t, writeAtomic(path, stale))

	newPath, err := Acquire(home, "inst-fresh", "")
	require.NoError(t, err)

	f, err := Read(newPath)
	require.NoError(t, err)
	require.Equal(t, "inst-fresh", f.InstanceID)
	require.Equal(t, os.Getpid(), f.PID)
}

func TestSetPort_UpdatesExistingPidfile(t *testing.T) {
	home := t.TempDir()
	path, err := Acquire(home, "inst-a", "")
	require.NoError(t, err)

	require.NoError(t, SetPort(path, 4242))

	f, err := Read(path)
	require.NoError(t, err)
	require.NotNil(t, f.Port)
	require.Equal(t, 4242, *f.Port)
}

func TestRemove_MissingFileIsNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pid")
	require.NoError(t, Remove(path))
}

func TestRead_MissingFileReturnsNotExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pid")
	_, err := Read(path)
	require.True(t, os.IsNotExist(err))
}
