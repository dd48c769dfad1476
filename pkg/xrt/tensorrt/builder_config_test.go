// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensorrt

import (
	"testing"
	"unsafe"

	"github.com/gomlx/xrt/pkg/core/bucketing"
	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/stretchr/testify/assert"
)

type platform struct {
	fp16, int8 bool
}

func (p platform) PlatformHasFastFP16() bool { return p.fp16 }
func (p platform) PlatformHasFastINT8() bool { return p.int8 }

type nopCalibrator struct{}

func (nopCalibrator) BatchSize() int                              { return 1 }
func (nopCalibrator) NextBatch([]string) ([]unsafe.Pointer, bool) { return nil, false }
func (nopCalibrator) ReadCalibrationCache() []byte                { return nil }
func (nopCalibrator) WriteCalibrationCache([]byte)                {}

func TestBuilderFlags(t *testing.T) {
	var flags BuilderFlags
	assert.Equal(t, "FP32", flags.String())
	flags = flags.With(BuilderFlagINT8)
	assert.True(t, flags.Has(BuilderFlagINT8))
	assert.False(t, flags.Has(BuilderFlagFP16))
	assert.Equal(t, "INT8", flags.String())
	assert.Equal(t, "FP16|INT8", flags.With(BuilderFlagFP16).String())

	flag, err := BuilderFlagString("FP16")
	assert.NoError(t, err)
	assert.Equal(t, BuilderFlagFP16, flag)
	assert.True(t, BuilderFlagINT8.IsABuilderFlag())
	assert.False(t, BuilderFlag(7).IsABuilderFlag())
}

func TestBuildConfig(t *testing.T) {
	fast := platform{fp16: true, int8: true}
	calibrator := nopCalibrator{}

	config := BuildConfig(&xrt.CommonRunOptions{}, fast, 3, nil)
	assert.Equal(t, xrt.DefaultMaxWorkspaceSize, config.MaxWorkspaceSize)
	assert.Equal(t, BuilderFlags(0), config.Flags)
	assert.Equal(t, 3, config.MaxBatchSize)
	assert.Nil(t, config.Int8Calibrator)

	// MaxBatchSize is a floor, and capacity is at least 1.
	assert.Equal(t, 16, BuildConfig(&xrt.CommonRunOptions{MaxBatchSize: 16}, fast, 3, nil).MaxBatchSize)
	assert.Equal(t, 1, BuildConfig(&xrt.CommonRunOptions{}, fast, 0, nil).MaxBatchSize)

	// FP16.
	config = BuildConfig(&xrt.CommonRunOptions{UseFP16: true}, fast, 1, nil)
	assert.Equal(t, "FP16", config.Flags.String())
	config = BuildConfig(&xrt.CommonRunOptions{UseFP16: true}, platform{}, 1, nil)
	assert.Equal(t, "FP32", config.Flags.String())

	// INT8 requires fast INT8 and a calibrator, and it is paired with FP16 if available.
	config = BuildConfig(&xrt.CommonRunOptions{UseInt8: true}, fast, 1, calibrator)
	assert.Equal(t, "FP16|INT8", config.Flags.String())
	assert.Equal(t, calibrator, config.Int8Calibrator)
	config = BuildConfig(&xrt.CommonRunOptions{UseInt8: true}, platform{int8: true}, 1, calibrator)
	assert.Equal(t, "INT8", config.Flags.String())
	config = BuildConfig(&xrt.CommonRunOptions{UseInt8: true}, fast, 1, nil)
	assert.Equal(t, "FP32", config.Flags.String())
	assert.Nil(t, config.Int8Calibrator)
	config = BuildConfig(&xrt.CommonRunOptions{UseInt8: true, UseFP16: true}, platform{fp16: true}, 1, calibrator)
	assert.Equal(t, "FP16", config.Flags.String())
	assert.Nil(t, config.Int8Calibrator)

	// Bucketing and workspace.
	config = BuildConfig(&xrt.CommonRunOptions{BatchBucketing: bucketing.Pow2(), MaxWorkspaceSize: 1 << 20}, fast, 5, nil)
	assert.Equal(t, 8, config.MaxBatchSize)
	assert.Equal(t, int64(1<<20), config.MaxWorkspaceSize)
}
