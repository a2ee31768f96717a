//go:build unix

package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestProbeLock_DetectsHeldFlock(t *testing.T) {
	p := filepath.Join(t.TempDir(), "held.zip")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	assert.NoError(t, probeLock(p))
	assert.NoError(t, probeLock(filepath.Join(t.TempDir(), "missing.zip")))

	holder, err := os.Open(p)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX))

	err = probeLock(p)
	assert.True(t, errors.Is(err, ErrLocked), "got %v", err)
	assert.Error(t, commitArchive(p, []byte("y")))

	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_UN))
	assert.NoError(t, commitArchive(p, []byte("y")))
}
