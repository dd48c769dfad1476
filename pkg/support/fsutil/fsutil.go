// Package fsutil resolves and checks the paths of files kept across runs, like calibration tables.
package fsutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether path exists. Errors other than a missing file are returned.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ExpandHome replaces a leading "~" or "~/" in dir by the home directory of the current user.
// Other paths are returned unchanged.
func ExpandHome(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "failed to expand home directory in %q", dir)
	}
	return filepath.Join(home, dir[1:]), nil
}

// JoinDir joins dir, with its home directory expanded, and base.
func JoinDir(dir, base string) (string, error) {
	dir, err := ExpandHome(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, base), nil
}
