// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/xrt/pkg/core/bucketing"
	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
run "serving" {
  device                   = 1
  workspace                = 64 * MiB
  fp16                     = true
  int8                     = true
  int8_calibration         = "/tmp/calibration"
  int8_calibration_batches = 16
  max_batch_size           = 8
  batch_bucketing          = "linear:4"
}

run "debug" {}
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample), "sample.hcl")
	require.NoError(t, err)
	assert.Equal(t, []string{"serving", "debug"}, f.Names)
	assert.True(t, f.Has("debug"))
	assert.False(t, f.Has("training"))

	options, err := f.Options("serving")
	require.NoError(t, err)
	assert.Equal(t, &xrt.CommonRunOptions{
		DeviceOrdinal:          1,
		MaxWorkspaceSize:       64 << 20,
		UseFP16:                true,
		UseInt8:                true,
		MaxBatchSize:           8,
		Int8Calibration:        "/tmp/calibration",
		Int8CalibrationBatches: 16,
		BatchBucketing:         bucketing.Linear(4),
	}, options)

	options, err = f.Options("debug")
	require.NoError(t, err)
	assert.Equal(t, &xrt.CommonRunOptions{}, options)
	assert.Equal(t, xrt.DefaultMaxWorkspaceSize, options.WorkspaceSize())

	// Ambiguous or unknown names.
	_, err = f.Options("")
	require.Error(t, err)
	_, err = f.Options("training")
	require.Error(t, err)

	// Options returns a copy.
	options.UseFP16 = true
	options, _ = f.Options("debug")
	assert.False(t, options.UseFP16)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		`run "a" { device = -1 }`,
		`run "a" { batch_bucketing = "cubic" }`,
		`run "a" { workspace = 2 * TiB }`,
		`run "a" { unknown = 1 }`,
		`run "a" {} 
run "a" {}`,
		`run "a" { device = `,
	} {
		_, err := Parse([]byte(src), "bad.hcl")
		assert.Error(t, err, "source %q should fail", src)
	}
}

func TestLoad(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "run.hcl")
	require.NoError(t, os.WriteFile(filePath, []byte(`run "only" { max_batch_size = 2 }`), 0o644))
	f, err := Load(filePath)
	require.NoError(t, err)
	options, err := f.Options("")
	require.NoError(t, err)
	assert.Equal(t, 2, options.MaxBatchSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.hcl"))
	require.Error(t, err)
}
