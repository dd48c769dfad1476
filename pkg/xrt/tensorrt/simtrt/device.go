// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simtrt is a simulated TensorRT-like runtime: it implements the tensorrt.Device,
// tensorrt.Builder, tensorrt.Engine and tensorrt.ExecutionContext interfaces on host memory.
//
// Networks are small float32 dataflow graphs (see Network), executed synchronously at Enqueue time.
// Engines honor their maximum batch size, round their values to half precision when built with
// FP16 and quantize them to 8 bits with the calibrated ranges when built with INT8, so the
// precision chosen by the builder is observable in the results.
//
// Device "memory" is host memory: parameter data can point directly to Go slices
// (see Float32Parameter).
package simtrt

import (
	"sync"
	"unsafe"

	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/pkg/errors"
)

// Device implements tensorrt.Device on host memory.
//
// Device selection is process-wide: SetDevice changes the device returned by CurrentDevice for
// all goroutines.
type Device struct {
	numDevices int

	mu          sync.Mutex
	current     int
	allocations map[unsafe.Pointer][]uint64
	syncs       map[xrt.Stream]int
	numMemcpy   int
	syncErr     error
}

// NewDevice returns a simulated runtime with numDevices devices (at least one).
func NewDevice(numDevices int) *Device {
	return &Device{
		numDevices:  max(numDevices, 1),
		allocations: make(map[unsafe.Pointer][]uint64),
		syncs:       make(map[xrt.Stream]int),
	}
}

// NumDevices returns the number of simulated devices.
func (d *Device) NumDevices() int { return d.numDevices }

// SetDevice implements tensorrt.Device.
func (d *Device) SetDevice(ordinal int) error {
	if ordinal < 0 || ordinal >= d.numDevices {
		return errors.Errorf("simtrt: invalid device ordinal %d, only %d devices available", ordinal, d.numDevices)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = ordinal
	return nil
}

// CurrentDevice implements tensorrt.Device.
func (d *Device) CurrentDevice() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, nil
}

// Synchronize implements tensorrt.Device. Work is executed at enqueue time, so it only
// counts the calls, and returns the error set with FailSynchronize.
func (d *Device) Synchronize(stream xrt.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.syncErr != nil {
		return d.syncErr
	}
	d.syncs[stream]++
	return nil
}

// FailSynchronize makes all following Synchronize calls return err. Use nil to clear it.
func (d *Device) FailSynchronize(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncErr = err
}

// NumSynchronize returns the number of successful Synchronize calls on stream.
func (d *Device) NumSynchronize(stream xrt.Stream) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs[stream]
}

// Malloc implements tensorrt.Device. Allocations are 8-byte aligned and zero initialized.
func (d *Device) Malloc(bytes int) (unsafe.Pointer, error) {
	if bytes <= 0 {
		return nil, errors.Errorf("simtrt: invalid allocation of %d bytes", bytes)
	}
	buf := make([]uint64, (bytes+7)/8)
	ptr := unsafe.Pointer(&buf[0])
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocations[ptr] = buf
	return ptr, nil
}

// Free implements tensorrt.Device.
func (d *Device) Free(ptr unsafe.Pointer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.allocations[ptr]; !found {
		return errors.Errorf("simtrt: freeing unknown pointer %p", ptr)
	}
	delete(d.allocations, ptr)
	return nil
}

// NumAllocations returns the number of live allocations.
func (d *Device) NumAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocations)
}

// Memcpy implements tensorrt.Device. Source and destination can be any host memory.
func (d *Device) Memcpy(dst, src unsafe.Pointer, bytes int, _ xrt.Stream) error {
	if bytes == 0 {
		return nil
	}
	if dst == nil || src == nil {
		return errors.Errorf("simtrt: Memcpy of %d bytes with nil pointer", bytes)
	}
	copy(unsafe.Slice((*byte)(dst), bytes), unsafe.Slice((*byte)(src), bytes))
	d.mu.Lock()
	defer d.mu.Unlock()
	d.numMemcpy++
	return nil
}

// NumMemcpy returns the number of non-empty Memcpy calls.
func (d *Device) NumMemcpy() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numMemcpy
}
