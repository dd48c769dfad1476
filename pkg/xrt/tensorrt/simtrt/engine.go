// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simtrt

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Engine implements tensorrt.Engine. Bindings are the network inputs followed by its outputs.
type Engine struct {
	builder *Builder
	network *Network
	config  tensorrt.BuilderConfig

	bindingNames []string
	bindingIndex map[string]int

	// ranges of the calibrated nodes, set for INT8 engines.
	ranges map[string]float32

	destroyed atomic.Bool
}

// Compile-time check that Engine implements tensorrt.Engine.
var _ tensorrt.Engine = (*Engine)(nil)

func newEngine(builder *Builder, network *Network, config *tensorrt.BuilderConfig) *Engine {
	e := &Engine{
		builder:      builder,
		network:      network,
		config:       *config,
		bindingIndex: make(map[string]int),
	}
	e.config.Int8Calibrator = nil
	e.bindingNames = append(network.InputNames(), network.OutputNames()...)
	for ii, name := range e.bindingNames {
		e.bindingIndex[name] = ii
	}
	return e
}

// NumBindings implements tensorrt.BindingTable.
func (e *Engine) NumBindings() int { return len(e.bindingNames) }

// BindingIndex implements tensorrt.BindingTable.
func (e *Engine) BindingIndex(name string) int {
	if index, found := e.bindingIndex[name]; found {
		return index
	}
	return -1
}

// BindingName implements tensorrt.Engine.
func (e *Engine) BindingName(index int) string { return e.bindingNames[index] }

// BindingIsInput implements tensorrt.Engine.
func (e *Engine) BindingIsInput(index int) bool { return index < len(e.network.inputs) }

// MaxBatchSize implements tensorrt.Engine.
func (e *Engine) MaxBatchSize() int { return e.config.MaxBatchSize }

// Precision returns the builder flags the engine was built with.
func (e *Engine) Precision() tensorrt.BuilderFlags { return e.config.Flags }

// CalibrationRange returns the calibrated range of the named node, for INT8 engines.
func (e *Engine) CalibrationRange(name string) (float32, bool) {
	r, found := e.ranges[name]
	return r, found
}

// IsDestroyed returns whether Destroy was called.
func (e *Engine) IsDestroyed() bool { return e.destroyed.Load() }

// Destroy implements tensorrt.Engine.
func (e *Engine) Destroy() {
	if e.destroyed.Swap(true) {
		klog.Errorf("simtrt: engine %q destroyed twice", e.network.name)
		return
	}
	e.builder.mu.Lock()
	e.builder.liveEngines--
	e.builder.mu.Unlock()
}

// CreateExecutionContext implements tensorrt.Engine.
func (e *Engine) CreateExecutionContext() (tensorrt.ExecutionContext, error) {
	if e.IsDestroyed() {
		return nil, errors.Errorf("simtrt: engine %q used after Destroy", e.network.name)
	}
	return &ExecutionContext{engine: e}, nil
}

// quantize rounds values to the engine's precision.
func (e *Engine) quantize(node *Node, values []float32) {
	if r, found := e.ranges[node.name]; found && e.config.Flags.Has(tensorrt.BuilderFlagINT8) {
		if r == 0 {
			return
		}
		scale := r / 127
		for ii, v := range values {
			q := math.Round(float64(v / scale))
			q = max(min(q, 127), -127)
			values[ii] = float32(q) * scale
		}
		return
	}
	if e.config.Flags.Has(tensorrt.BuilderFlagFP16) {
		for ii, v := range values {
			values[ii] = float16.Fromfloat32(v).Float32()
		}
	}
}

// ExecutionContext implements tensorrt.ExecutionContext.
type ExecutionContext struct {
	engine    *Engine
	destroyed bool
}

// Compile-time check that ExecutionContext implements tensorrt.ExecutionContext.
var _ tensorrt.ExecutionContext = (*ExecutionContext)(nil)

// Enqueue implements tensorrt.ExecutionContext. It executes synchronously.
//
// It fails if the batch size is not in [1, MaxBatchSize], if any input is unbound, or if the
// engine or context were destroyed. Unbound outputs are not written.
func (c *ExecutionContext) Enqueue(batchSize int, bindings []unsafe.Pointer, _ xrt.Stream) bool {
	e := c.engine
	if c.destroyed || e.IsDestroyed() {
		klog.Errorf("simtrt: enqueue on destroyed engine %q", e.network.name)
		return false
	}
	if batchSize < 1 || batchSize > e.config.MaxBatchSize {
		klog.Errorf("simtrt: enqueue of %q with batch size %d, engine max batch size is %d",
			e.network.name, batchSize, e.config.MaxBatchSize)
		return false
	}
	if len(bindings) != len(e.bindingNames) {
		klog.Errorf("simtrt: enqueue of %q with %d bindings, engine has %d",
			e.network.name, len(bindings), len(e.bindingNames))
		return false
	}
	numInputs := len(e.network.inputs)
	for ii := range numInputs {
		if bindings[ii] == nil {
			klog.Errorf("simtrt: enqueue of %q with unbound input %q", e.network.name, e.bindingNames[ii])
			return false
		}
	}
	values := e.network.evaluate(batchSize, bindings[:numInputs], e.quantize)
	for jj, output := range e.network.outputs {
		ptr := bindings[numInputs+jj]
		if ptr == nil {
			continue
		}
		v := values[output.id]
		copy(unsafe.Slice((*float32)(ptr), len(v)), v)
	}
	e.builder.mu.Lock()
	e.builder.numEnqueues++
	e.builder.mu.Unlock()
	return true
}

// Destroy implements tensorrt.ExecutionContext.
func (c *ExecutionContext) Destroy() {
	c.destroyed = true
}
