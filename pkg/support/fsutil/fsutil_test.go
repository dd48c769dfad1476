package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)

	table := filepath.Join(dir, "conv_block")
	exists, err = FileExists(table)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, os.WriteFile(table, []byte("x: 3c010a14"), 0o644))
	exists, err = FileExists(table)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestJoinDir(t *testing.T) {
	got, err := JoinDir("/calib", "conv_block")
	require.NoError(t, err)
	assert.Equal(t, "/calib/conv_block", got)

	t.Setenv("HOME", "/home/calibrator")
	got, err = JoinDir("~/calib", "conv_block")
	require.NoError(t, err)
	assert.Equal(t, "/home/calibrator/calib/conv_block", got)
	got, err = JoinDir("~", "conv_block")
	require.NoError(t, err)
	assert.Equal(t, "/home/calibrator/conv_block", got)

	// Only the current user's home is expanded.
	got, err = JoinDir("~other/calib", "conv_block")
	require.NoError(t, err)
	assert.Equal(t, "~other/calib/conv_block", got)
}
