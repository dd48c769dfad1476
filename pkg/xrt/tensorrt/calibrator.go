// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensorrt

import (
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Int8Calibrator implements Calibrator.
//
// It is created either from a precomputed calibration table, in which case it is done from the start,
// or live: executions hand it batches with SetBatch, which the builder consumes with NextBatch.
// The handoff is a single slot: SetBatch never blocks, and a batch offered while the builder still
// holds the previous one is dropped.
type Int8Calibrator struct {
	device     Device
	maxBatches int

	mu           sync.Mutex
	cond         *sync.Cond
	batchSize    int
	buffers      map[string]calibrationBuffer
	batchIsSet   bool // A batch is waiting to be consumed by NextBatch.
	calibRunning bool // The builder holds the last batch returned by NextBatch.
	numBatches   int  // Batches consumed by the builder.
	table        []byte

	done atomic.Bool
}

type calibrationBuffer struct {
	ptr   unsafe.Pointer
	bytes int
}

// Compile-time check that Int8Calibrator implements Calibrator.
var _ Calibrator = (*Int8Calibrator)(nil)

// NewInt8Calibrator returns a live calibrator allocating its batch buffers on device.
//
// If maxBatches > 0, calibration is done after the builder consumed that many batches,
// otherwise it goes on until SetDone is called.
func NewInt8Calibrator(device Device, maxBatches int) *Int8Calibrator {
	c := &Int8Calibrator{
		device:     device,
		maxBatches: maxBatches,
		batchSize:  1,
		buffers:    make(map[string]calibrationBuffer),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// NewInt8CalibratorFromTable returns a calibrator that is already done, holding the given table.
func NewInt8CalibratorFromTable(table []byte) *Int8Calibrator {
	c := NewInt8Calibrator(nil, 0)
	c.table = slices.Clone(table)
	c.done.Store(true)
	return c
}

// SetBatchSize sets the number of examples per calibration batch.
func (c *Int8Calibrator) SetBatchSize(batchSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchSize = max(batchSize, 1)
}

// BatchSize implements Calibrator.
func (c *Int8Calibrator) BatchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchSize
}

// Done returns whether calibration is over. It doesn't lock, and it is safe to poll.
func (c *Int8Calibrator) Done() bool {
	return c.done.Load()
}

// NumBatches returns the number of batches consumed by the builder so far.
func (c *Int8Calibrator) NumBatches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numBatches
}

// SetDone ends calibration: the pending or next NextBatch returns false, and SetBatch becomes a no-op.
func (c *Int8Calibrator) SetDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockedSetDone()
}

func (c *Int8Calibrator) lockedSetDone() {
	c.done.Store(true)
	c.cond.Broadcast()
}

// SetBatch offers the bound parameters of an execution as one calibration batch.
//
// Only the first BatchSize examples of each parameter are copied, into buffers owned by the
// calibrator, so the parameters can be reused as soon as SetBatch returns.
// It returns whether the batch was taken: it is dropped if calibration is done or if
// the builder hasn't finished with the previous batch. An error is only returned for device failures.
func (c *Int8Calibrator) SetBatch(params []*xrt.Parameter, stream xrt.Stream) (bool, error) {
	if c.Done() {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Done() || c.batchIsSet || c.calibRunning {
		klog.V(2).Infof("int8 calibrator busy, dropping calibration batch")
		return false, nil
	}
	for _, p := range params {
		if p == nil {
			continue
		}
		bytes := calibrationBatchBytes(p, c.batchSize)
		if bytes == 0 {
			continue
		}
		buf, found := c.buffers[p.Name()]
		if !found || buf.bytes != bytes {
			if found {
				if err := c.device.Free(buf.ptr); err != nil {
					return false, errors.WithMessagef(err, "int8 calibrator: failed to free buffer for %q", p.Name())
				}
			}
			ptr, err := c.device.Malloc(bytes)
			if err != nil {
				return false, errors.WithMessagef(err, "int8 calibrator: failed to allocate %d bytes for %q", bytes, p.Name())
			}
			buf = calibrationBuffer{ptr: ptr, bytes: bytes}
			c.buffers[p.Name()] = buf
		}
		if err := c.device.Memcpy(buf.ptr, p.Data(), bytes, stream); err != nil {
			return false, errors.WithMessagef(err, "int8 calibrator: failed to copy batch of %q", p.Name())
		}
	}
	if err := c.device.Synchronize(stream); err != nil {
		return false, errors.WithMessagef(err, "int8 calibrator: failed to synchronize stream")
	}
	c.batchIsSet = true
	c.cond.Broadcast()
	return true, nil
}

// calibrationBatchBytes returns the number of bytes of the first batchSize examples of p.
func calibrationBatchBytes(p *xrt.Parameter, batchSize int) int {
	shape := p.Shape()
	if shape.Rank() == 0 {
		return shape.Memory()
	}
	rows := min(shape.BatchSize(), batchSize)
	return rows * shape.PerExample().Memory()
}

// NextBatch implements Calibrator: it blocks until SetBatch provides a batch or calibration is done.
func (c *Int8Calibrator) NextBatch(names []string) ([]unsafe.Pointer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The builder is done with the previous batch.
	c.calibRunning = false
	c.cond.Broadcast()
	if c.maxBatches > 0 && c.numBatches >= c.maxBatches {
		c.lockedSetDone()
	}
	for !c.batchIsSet && !c.Done() {
		c.cond.Wait()
	}
	if c.Done() {
		return nil, false
	}
	ptrs := make([]unsafe.Pointer, len(names))
	for ii, name := range names {
		buf, found := c.buffers[name]
		if !found {
			klog.Errorf("int8 calibrator: calibration batch has no buffer for input %q, ending calibration", name)
			c.lockedSetDone()
			return nil, false
		}
		ptrs[ii] = buf.ptr
	}
	c.batchIsSet = false
	c.calibRunning = true
	c.numBatches++
	klog.V(1).Infof("int8 calibrator: batch #%d handed to the builder", c.numBatches)
	return ptrs, true
}

// ReadCalibrationCache implements Calibrator.
func (c *Int8Calibrator) ReadCalibrationCache() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.table) == 0 {
		return nil
	}
	return slices.Clone(c.table)
}

// WriteCalibrationCache implements Calibrator.
func (c *Int8Calibrator) WriteCalibrationCache(table []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = slices.Clone(table)
}

// CalibrationTable returns the calibration table, either the one given or the one computed by
// the builder. It returns nil if no table is available yet.
func (c *Int8Calibrator) CalibrationTable() []byte {
	return c.ReadCalibrationCache()
}

// Release frees the device buffers used for live calibration. The calibration table is kept.
func (c *Int8Calibrator) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, buf := range c.buffers {
		if err := c.device.Free(buf.ptr); err != nil {
			klog.Warningf("int8 calibrator: failed to free buffer for %q: %+v", name, err)
		}
	}
	clear(c.buffers)
}
