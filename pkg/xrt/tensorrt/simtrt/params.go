// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simtrt

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xrt/pkg/core/dtypes"
	"github.com/gomlx/xrt/pkg/core/shapes"
	"github.com/gomlx/xrt/pkg/xrt"
)

// Float32Parameter returns a parameter pointing to data, with the given dimensions (the first one
// being the batch size). It panics if data doesn't match the dimensions.
//
// data must be kept alive (and not resized) while the parameter is used.
func Float32Parameter(name string, data []float32, dimensions ...int) xrt.Parameter {
	shape := shapes.Make(dtypes.Float32, dimensions...)
	if shape.Size() != len(data) {
		exceptions.Panicf("simtrt.Float32Parameter(%q): shape %s requires %d values, got %d",
			name, shape, shape.Size(), len(data))
	}
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}
	return xrt.NewParameter(name, ptr, shape)
}

// Float32Data returns the values a float32 parameter points to.
func Float32Data(p xrt.Parameter) []float32 {
	if p.Data() == nil {
		return nil
	}
	if p.Shape().DType != dtypes.Float32 {
		exceptions.Panicf("simtrt.Float32Data(%q): parameter has shape %s, not Float32", p.Name(), p.Shape())
	}
	return unsafe.Slice((*float32)(p.Data()), p.Shape().Size())
}
