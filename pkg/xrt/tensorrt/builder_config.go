// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensorrt

import (
	"strings"

	"github.com/gomlx/xrt/pkg/core/bucketing"
	"github.com/gomlx/xrt/pkg/xrt"
	"k8s.io/klog/v2"
)

// BuilderFlag enables an optional builder feature.
type BuilderFlag int

//go:generate go tool enumer -type=BuilderFlag -trimprefix=BuilderFlag -output=gen_builderflag_enumer.go builder_config.go

const (
	// BuilderFlagFP16 enables half-precision kernels.
	BuilderFlagFP16 BuilderFlag = iota

	// BuilderFlagINT8 enables 8-bit kernels. It requires a Calibrator.
	BuilderFlagINT8
)

// BuilderFlags is a bit-set of BuilderFlag.
type BuilderFlags uint32

// Has returns whether flag is set.
func (f BuilderFlags) Has(flag BuilderFlag) bool {
	return f&(1<<uint(flag)) != 0
}

// With returns f with flag set.
func (f BuilderFlags) With(flag BuilderFlag) BuilderFlags {
	return f | (1 << uint(flag))
}

// String implements fmt.Stringer.
func (f BuilderFlags) String() string {
	var names []string
	for _, flag := range BuilderFlagValues() {
		if f.Has(flag) {
			names = append(names, flag.String())
		}
	}
	if len(names) == 0 {
		return "FP32"
	}
	return strings.Join(names, "|")
}

// BuilderConfig configures one engine build.
type BuilderConfig struct {
	// MaxWorkspaceSize is the builder memory budget in bytes.
	MaxWorkspaceSize int64

	// Flags enabled for the build.
	Flags BuilderFlags

	// MaxBatchSize the engine must support.
	MaxBatchSize int

	// Int8Calibrator is set only if BuilderFlagINT8 is set.
	Int8Calibrator Calibrator
}

// BuildConfig returns the builder configuration for the run options, the target platform,
// a minimum batch size and an optional calibrator (nil if none).
//
// Precisions are enabled only if requested and supported by the platform. An unsupported
// precision is not an error: it is logged and the build falls back to the next precision.
// INT8 additionally requires a calibrator, and is paired with FP16 when the platform has fast FP16.
func BuildConfig(options *xrt.CommonRunOptions, platform Platform, batchSize int, calibrator Calibrator) *BuilderConfig {
	config := &BuilderConfig{
		MaxWorkspaceSize: options.WorkspaceSize(),
	}
	if options.UseFP16 {
		if platform.PlatformHasFastFP16() {
			config.Flags = config.Flags.With(BuilderFlagFP16)
		} else {
			klog.Infof("TensorRT couldn't use fp16 precision since the GPU hardware does not support it.")
		}
	}
	if options.UseInt8 {
		if platform.PlatformHasFastINT8() {
			if calibrator != nil {
				config.Flags = config.Flags.With(BuilderFlagINT8)
				if platform.PlatformHasFastFP16() {
					config.Flags = config.Flags.With(BuilderFlagFP16)
				}
				config.Int8Calibrator = calibrator
			}
		} else {
			klog.Infof("TensorRT couldn't use int8 precision since the GPU hardware does not support it.")
		}
	}
	config.MaxBatchSize = bucketing.Apply(options.BatchBucketing, max(options.MaxBatchSize, batchSize, 1))
	return config
}
