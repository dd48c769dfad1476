// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensorrt

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/xrt/pkg/xrt"
)

// Bindings maps engine binding slots to the parameters bound to them for one execution.
type Bindings struct {
	// Params holds the parameter bound to each slot, or nil for unbound slots.
	Params []*xrt.Parameter

	// Buffers holds the device pointer of each slot, or nil for unbound slots.
	Buffers []unsafe.Pointer
}

// ResolveBindings binds the inputs and then the outputs to the slots of the binding table, by name.
//
// Parameters whose names are not in the table are skipped, and slots not referenced by any
// parameter are left unbound: neither is an error. An output with the same name as an input
// takes over the slot. The result only depends on the table and the parameters given.
//
// The returned Bindings points into the inputs and outputs slices, so it is only valid while
// those are.
func ResolveBindings(table BindingTable, inputs, outputs []xrt.Parameter) *Bindings {
	numBindings := table.NumBindings()
	b := &Bindings{
		Params:  make([]*xrt.Parameter, numBindings),
		Buffers: make([]unsafe.Pointer, numBindings),
	}
	for _, params := range [][]xrt.Parameter{inputs, outputs} {
		for ii := range params {
			index := table.BindingIndex(params[ii].Name())
			if index < 0 || index >= numBindings {
				continue
			}
			b.Params[index] = &params[ii]
			b.Buffers[index] = params[ii].Data()
		}
	}
	return b
}

// NumBound returns the number of bound slots.
func (b *Bindings) NumBound() int {
	count := 0
	for _, p := range b.Params {
		if p != nil {
			count++
		}
	}
	return count
}

// Bound returns the bound parameters, in slot order.
func (b *Bindings) Bound() []*xrt.Parameter {
	bound := make([]*xrt.Parameter, 0, len(b.Params))
	for _, p := range b.Params {
		if p != nil {
			bound = append(bound, p)
		}
	}
	return bound
}

// BatchSize returns the leading dimension of the first bound slot's parameter.
// It returns false if no slot is bound.
//
// The other bindings are assumed to have the same batch size: this is not checked here,
// see InconsistentBatchSizes.
func (b *Bindings) BatchSize() (int, bool) {
	for _, p := range b.Params {
		if p != nil {
			return p.BatchSize(), true
		}
	}
	return 0, false
}

// InconsistentBatchSizes returns a description of the bound parameters whose batch size differs from
// BatchSize, one per parameter. It returns nil if all bound parameters agree.
func (b *Bindings) InconsistentBatchSizes() []string {
	batchSize, ok := b.BatchSize()
	if !ok {
		return nil
	}
	var mismatches []string
	for index, p := range b.Params {
		if p != nil && p.BatchSize() != batchSize {
			mismatches = append(mismatches, fmt.Sprintf("slot #%d %q has batch size %d, expected %d",
				index, p.Name(), p.BatchSize(), batchSize))
		}
	}
	return mismatches
}
