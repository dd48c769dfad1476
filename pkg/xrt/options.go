// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xrt

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/xrt/pkg/core/bucketing"
)

// DefaultMaxWorkspaceSize is the builder memory budget used when none is configured: 16MiB.
const DefaultMaxWorkspaceSize int64 = 1 << 24

// CommonRunOptions are the options shared by all engines.
type CommonRunOptions struct {
	// DeviceOrdinal of the device to build and run on.
	DeviceOrdinal int

	// MaxWorkspaceSize is the builder memory budget in bytes. If <= 0, DefaultMaxWorkspaceSize is used.
	MaxWorkspaceSize int64

	// UseFP16 enables half-precision paths, if the hardware supports them.
	UseFP16 bool

	// UseInt8 enables 8-bit paths, if the hardware supports them and either a calibration
	// table (Int8Calibration) or live calibration is available.
	UseInt8 bool

	// MaxBatchSize is a floor for the engine batch capacity.
	MaxBatchSize int

	// Int8Calibration is the directory with precomputed calibration tables, one file per
	// executable name. If empty and UseInt8 is set, calibration is collected live.
	Int8Calibration string

	// Int8CalibrationBatches is the number of batches used by live calibration before it
	// completes automatically. If 0, live calibration only completes when explicitly finished
	// (see tensorrt.CalibrationRegistry.Finish).
	Int8CalibrationBatches int

	// BatchBucketing rounds up the batch capacity when an engine is (re)built. Nil means exact.
	BatchBucketing bucketing.Strategy
}

// WorkspaceSize returns the effective builder memory budget.
func (o *CommonRunOptions) WorkspaceSize() int64 {
	if o.MaxWorkspaceSize > 0 {
		return o.MaxWorkspaceSize
	}
	return DefaultMaxWorkspaceSize
}

// String implements fmt.Stringer.
func (o *CommonRunOptions) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("device=%d", o.DeviceOrdinal))
	parts = append(parts, "workspace="+humanize.IBytes(uint64(o.WorkspaceSize())))
	if o.UseFP16 {
		parts = append(parts, "fp16")
	}
	if o.UseInt8 {
		parts = append(parts, "int8")
		if o.Int8Calibration != "" {
			parts = append(parts, fmt.Sprintf("int8_calibration=%q", o.Int8Calibration))
		}
	}
	if o.MaxBatchSize > 0 {
		parts = append(parts, fmt.Sprintf("max_batch_size=%d", o.MaxBatchSize))
	}
	if o.BatchBucketing != nil {
		parts = append(parts, fmt.Sprintf("bucketing=%s", o.BatchBucketing))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ExecutableRunOptions is the configuration for one execution request.
type ExecutableRunOptions struct {
	Common CommonRunOptions

	// Stream where the execution is enqueued.
	Stream Stream

	// ReturnParams is the ordered list of output parameters to populate.
	ReturnParams []Parameter
}
