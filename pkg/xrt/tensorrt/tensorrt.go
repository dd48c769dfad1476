// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensorrt implements xrt.Executable on top of a TensorRT-like engine builder.
//
// An Executable owns one compiled Engine and its ExecutionContext for a single subgraph
// (a Network produced by the op translators). On Run it:
//
//  1. Resolves the named input and output parameters to engine binding slots (see ResolveBindings).
//  2. Builds the engine on the first call, and rebuilds it whenever a batch larger than the
//     engine's maximum batch size arrives.
//  3. If INT8 is requested without a calibration table, coordinates live calibration: one
//     background build per executable name (see CalibrationRegistry), fed with the batches of
//     the calls made while it runs.
//  4. Enqueues the engine on the device stream and, if requested, waits for it.
//
// The device, builder and engine are consumed through the interfaces in this file, so the package
// has no cgo dependency. Package simtrt provides a simulated implementation used for testing.
package tensorrt

import (
	"unsafe"

	"github.com/gomlx/xrt/pkg/xrt"
)

// Network is a finished dataflow graph, with its named inputs and outputs marked, ready to be
// built into an Engine.
type Network interface {
	// Name of the network, used in logs.
	Name() string

	// InputNames returns the names of the inputs, in binding order.
	InputNames() []string

	// OutputNames returns the names of the outputs, in binding order after the inputs.
	OutputNames() []string
}

// Platform reports the capabilities of the target hardware.
type Platform interface {
	PlatformHasFastFP16() bool
	PlatformHasFastINT8() bool
}

// Builder compiles Networks into Engines.
//
// BuildEngine is synchronous and may take a long time. It may be called concurrently from the
// calling goroutine of a Run and from a background calibration build.
type Builder interface {
	Platform

	// BuildEngine returns the compiled engine, or an error if the network can't be built.
	BuildEngine(network Network, config *BuilderConfig) (Engine, error)
}

// BindingTable maps binding names to slot indices.
type BindingTable interface {
	// NumBindings returns the number of binding slots.
	NumBindings() int

	// BindingIndex returns the slot index of the binding with the given name, or -1 if not found.
	BindingIndex(name string) int
}

// Engine is a compiled, batch- and precision-specific artifact. It is immutable once built.
type Engine interface {
	BindingTable

	// BindingName returns the name of the binding at slot index.
	BindingName(index int) string

	// BindingIsInput returns whether the binding at slot index is an input.
	BindingIsInput(index int) bool

	// MaxBatchSize the engine was built for.
	MaxBatchSize() int

	// CreateExecutionContext returns a new execution handle for the engine.
	CreateExecutionContext() (ExecutionContext, error)

	// Destroy releases the engine. It must not be used afterward.
	Destroy()
}

// ExecutionContext executes an Engine.
type ExecutionContext interface {
	// Enqueue the execution of batchSize examples on the stream. bindings holds one device pointer
	// per binding slot; unused slots are nil. It returns whether the enqueue succeeded.
	Enqueue(batchSize int, bindings []unsafe.Pointer, stream xrt.Stream) bool

	// Destroy releases the context.
	Destroy()
}

// Device exposes the device primitives the executable needs.
type Device interface {
	// SetDevice selects the device for the calling thread.
	SetDevice(ordinal int) error

	// CurrentDevice returns the ordinal of the device selected for the calling thread.
	CurrentDevice() (int, error)

	// Synchronize blocks until all work enqueued on stream is completed.
	Synchronize(stream xrt.Stream) error

	// Malloc allocates device memory.
	Malloc(bytes int) (unsafe.Pointer, error)

	// Free releases memory allocated with Malloc.
	Free(ptr unsafe.Pointer) error

	// Memcpy copies bytes between device buffers, ordered on stream.
	Memcpy(dst, src unsafe.Pointer, bytes int, stream xrt.Stream) error
}

// Calibrator feeds representative batches to the builder when building an INT8 engine.
//
// The builder first calls ReadCalibrationCache: if it returns a table, no batches are needed.
// Otherwise, it calls NextBatch until it returns false, and hands the resulting table to
// WriteCalibrationCache.
type Calibrator interface {
	// BatchSize is the number of examples in each calibration batch.
	BatchSize() int

	// NextBatch blocks until a batch is available and returns one device pointer per name.
	// It returns false when calibration is over.
	NextBatch(names []string) ([]unsafe.Pointer, bool)

	// ReadCalibrationCache returns a precomputed calibration table, or nil.
	ReadCalibrationCache() []byte

	// WriteCalibrationCache receives the calibration table computed by the builder.
	WriteCalibrationCache(table []byte)
}
