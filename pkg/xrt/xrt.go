// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xrt defines the engine-agnostic surface used to run a compiled subgraph:
// the Parameter buffers passed in and out, the run options, and the Executable interface
// implemented by the engines (see sub-package tensorrt).
//
// Parameters point to device memory: the caller owns the buffers, and an Executable only
// borrows them for the duration of one Run.
package xrt

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/xrt/pkg/core/shapes"
)

// Stream is an opaque handle to a device execution stream (e.g. a cudaStream_t).
// The zero value is the device's default stream.
type Stream uintptr

// Parameter is a named buffer descriptor: name, shape (batch dimension is axis 0) and a raw
// pointer to device memory.
type Parameter struct {
	name  string
	shape shapes.Shape
	data  unsafe.Pointer
}

// NewParameter returns a Parameter pointing to data, a device buffer holding shape.Memory() bytes.
func NewParameter(name string, data unsafe.Pointer, shape shapes.Shape) Parameter {
	return Parameter{name: name, shape: shape, data: data}
}

// Name of the parameter, used to match engine bindings.
func (p Parameter) Name() string { return p.name }

// Shape of the parameter.
func (p Parameter) Shape() shapes.Shape { return p.shape }

// Data returns the raw device pointer.
func (p Parameter) Data() unsafe.Pointer { return p.data }

// BatchSize is the leading dimension of the parameter's shape.
func (p Parameter) BatchSize() int { return p.shape.BatchSize() }

// String implements fmt.Stringer.
func (p Parameter) String() string {
	return fmt.Sprintf("%q%s@%p", p.name, p.shape, p.data)
}

// Executable is a compiled subgraph ready to execute.
type Executable interface {
	// Name of the executable. Executables with the same name share calibration state.
	Name() string

	// Run executes with the given inputs, writing the results into options.ReturnParams.
	//
	// It returns the status of the device enqueue. A non-nil error reports a fatal condition
	// (engine could not be built, calibration table missing, device synchronization failure):
	// nothing was executed and the caller should abort.
	Run(inputs []Parameter, options *ExecutableRunOptions, blockUntilDone bool) (bool, error)

	// Results returns the output parameters populated by the last Run.
	Results() []Parameter

	// Finalize immediately frees resources associated with the executable.
	Finalize()
}
