// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensorrt

import (
	"os"
	"path"

	"github.com/gomlx/xrt/pkg/support/fsutil"
	"github.com/pkg/errors"
)

var (
	// ErrCalibrationTableNotFound is returned when the calibration table of an executable is missing.
	ErrCalibrationTableNotFound = errors.New("calibration table not found")

	// ErrEmptyCalibrationTable is returned when the calibration table of an executable is empty.
	ErrEmptyCalibrationTable = errors.New("calibration data is empty")
)

// CalibrationTablePath returns the path of the calibration table of an executable: `<dir>/<name>`.
// A leading "~" in dir is replaced by the user's home directory.
func CalibrationTablePath(dir, name string) (string, error) {
	return fsutil.JoinDir(dir, name)
}

// LoadCalibrationTable reads the calibration table of the executable name from dir.
// The content is opaque to this package and is handed as is to the builder.
func LoadCalibrationTable(dir, name string) ([]byte, error) {
	tablePath, err := CalibrationTablePath(dir, name)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(tablePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(ErrCalibrationTableNotFound, "could not open calibration file %q", tablePath)
	}
	table, err := os.ReadFile(tablePath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read calibration file %q", tablePath)
	}
	if len(table) == 0 {
		return nil, errors.Wrapf(ErrEmptyCalibrationTable, "calibration file %q", tablePath)
	}
	return table, nil
}

// WriteCalibrationTable saves the calibration table of the executable name in dir, creating dir
// if needed.
func WriteCalibrationTable(dir, name string, table []byte) error {
	if len(table) == 0 {
		return errors.Wrapf(ErrEmptyCalibrationTable, "refusing to write calibration table for %q", name)
	}
	tablePath, err := CalibrationTablePath(dir, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(tablePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create calibration directory for %q", tablePath)
	}
	if err := os.WriteFile(tablePath, table, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write calibration file %q", tablePath)
	}
	return nil
}
