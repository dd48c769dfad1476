// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simtrt

import (
	"bufio"
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// calibrationTableHeader is the first line of a calibration table.
const calibrationTableHeader = "# simtrt int8 calibration"

// FormatCalibrationTable serializes the calibrated ranges: one "<node name> <max abs value>" line
// per node, sorted by name.
func FormatCalibrationTable(ranges map[string]float32) []byte {
	var buf bytes.Buffer
	buf.WriteString(calibrationTableHeader)
	buf.WriteByte('\n')
	for _, name := range slices.Sorted(maps.Keys(ranges)) {
		fmt.Fprintf(&buf, "%s %s\n", name, strconv.FormatFloat(float64(ranges[name]), 'g', -1, 32))
	}
	return buf.Bytes()
}

// ParseCalibrationTable parses a table written by FormatCalibrationTable.
func ParseCalibrationTable(table []byte) (map[string]float32, error) {
	ranges := make(map[string]float32)
	scanner := bufio.NewScanner(bytes.NewReader(table))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("calibration table line %d: expected \"<name> <range>\", got %q", lineNum, line)
		}
		r, err := strconv.ParseFloat(fields[1], 32)
		if err != nil {
			return nil, errors.Wrapf(err, "calibration table line %d: invalid range for %q", lineNum, fields[0])
		}
		if r < 0 {
			return nil, errors.Errorf("calibration table line %d: negative range %g for %q", lineNum, r, fields[0])
		}
		ranges[fields[0]] = float32(r)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read calibration table")
	}
	if len(ranges) == 0 {
		return nil, errors.New("calibration table has no entries")
	}
	return ranges, nil
}
