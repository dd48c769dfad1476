// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensorrt_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/xrt/pkg/core/bucketing"
	"github.com/gomlx/xrt/pkg/xrt"
	. "github.com/gomlx/xrt/pkg/xrt/tensorrt"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt/simtrt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

// reluNetwork returns y = relu(2*x), with x of shape [batch, 3].
func reluNetwork() *simtrt.Network {
	net := simtrt.NewNetwork("relu")
	x := net.AddInput("x", 3)
	net.MarkOutput(net.Relu(net.Scale(x, 2)), "y")
	return net
}

// testRig holds the simulated runtime shared by the executables of a test.
type testRig struct {
	device   *simtrt.Device
	builder  *simtrt.Builder
	registry *CalibrationRegistry
}

func newTestRig(t *testing.T, options ...simtrt.BuilderOption) *testRig {
	rig := &testRig{
		device:   simtrt.NewDevice(2),
		builder:  simtrt.NewBuilder(options...),
		registry: NewCalibrationRegistry(),
	}
	t.Cleanup(rig.registry.Reset)
	return rig
}

func (rig *testRig) newExecutable(name string) *Executable {
	return NewExecutable(name, reluNetwork(), rig.builder, rig.device, WithCalibrationRegistry(rig.registry))
}

// run executes e with a batch of batchSize examples, and returns the outputs.
func run(t *testing.T, e *Executable, common xrt.CommonRunOptions, batchSize int) []float32 {
	y, err := tryRun(e, common, batchSize)
	require.NoError(t, err)
	return y
}

// tryRun is like run, but returns the error instead of failing the test.
func tryRun(e *Executable, common xrt.CommonRunOptions, batchSize int) ([]float32, error) {
	x := make([]float32, batchSize*3)
	for ii := range x {
		x[ii] = float32(ii%5) - 2
	}
	y := make([]float32, batchSize*3)
	options := &xrt.ExecutableRunOptions{
		Common:       common,
		ReturnParams: []xrt.Parameter{simtrt.Float32Parameter("y", y, batchSize, 3)},
	}
	ok, err := e.Run([]xrt.Parameter{simtrt.Float32Parameter("x", x, batchSize, 3)}, options, true)
	if err == nil && !ok {
		err = errors.Errorf("enqueue of %q failed", e.Name())
	}
	return y, err
}

func numINT8Builds(builder *simtrt.Builder) int {
	count := 0
	for _, config := range builder.Configs() {
		if config.Flags.Has(BuilderFlagINT8) {
			count++
		}
	}
	return count
}

func maxBatchSizes(builder *simtrt.Builder) []int {
	var sizes []int
	for _, config := range builder.Configs() {
		sizes = append(sizes, config.MaxBatchSize)
	}
	return sizes
}

func TestExecutableRun(t *testing.T) {
	rig := newTestRig(t)
	e := rig.newExecutable("relu")
	assert.Equal(t, "relu", e.Name())
	assert.Equal(t, 0, e.MaxBatchSize())

	y := run(t, e, xrt.CommonRunOptions{}, 2)
	assert.Equal(t, []float32{0, 0, 0, 2, 4, 0}, y)
	assert.Equal(t, 1, e.NumBuilds())
	assert.Equal(t, 2, e.MaxBatchSize())
	assert.False(t, e.IsCalibrated())
	require.Len(t, e.Results(), 1)
	assert.Equal(t, "y", e.Results()[0].Name())
	assert.Equal(t, 1, rig.device.NumSynchronize(0))
	assert.Empty(t, rig.registry.Names())

	// Non-blocking runs don't synchronize the stream.
	options := &xrt.ExecutableRunOptions{Stream: 3}
	x := make([]float32, 3)
	ok, err := e.Run([]xrt.Parameter{simtrt.Float32Parameter("x", x, 1, 3)}, options, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, rig.device.NumSynchronize(3))
	assert.Empty(t, e.Results())

	e.Finalize()
	assert.Equal(t, 0, rig.builder.NumLiveEngines())
	_, err = e.Run(nil, options, false)
	require.Error(t, err)
}

func TestExecutableGeneratedName(t *testing.T) {
	rig := newTestRig(t)
	e1, e2 := rig.newExecutable(""), rig.newExecutable("")
	assert.True(t, strings.HasPrefix(e1.Name(), "trt_"))
	assert.NotEqual(t, e1.Name(), e2.Name())
}

func TestExecutableRebuild(t *testing.T) {
	rig := newTestRig(t)
	e := rig.newExecutable("rebuild")
	common := xrt.CommonRunOptions{MaxBatchSize: 4}

	run(t, e, common, 1)
	assert.Equal(t, 4, e.MaxBatchSize())
	run(t, e, common, 4)
	assert.Equal(t, 1, e.NumBuilds())

	run(t, e, common, 8)
	assert.Equal(t, 2, e.NumBuilds())
	assert.Equal(t, 8, e.MaxBatchSize())
	assert.Equal(t, 1, rig.builder.NumLiveEngines())

	// Capacity never shrinks.
	run(t, e, common, 3)
	run(t, e, common, 8)
	assert.Equal(t, 2, e.NumBuilds())
	assert.Equal(t, []int{4, 8}, maxBatchSizes(rig.builder))
	e.Finalize()
	assert.Equal(t, 0, rig.builder.NumLiveEngines())
}

func TestExecutableBucketing(t *testing.T) {
	rig := newTestRig(t)
	e := rig.newExecutable("bucketing")
	common := xrt.CommonRunOptions{BatchBucketing: bucketing.Pow2()}
	run(t, e, common, 3)
	run(t, e, common, 4)
	run(t, e, common, 5)
	assert.Equal(t, []int{4, 8}, maxBatchSizes(rig.builder))
}

func TestExecutableErrors(t *testing.T) {
	rig := newTestRig(t)

	// No parameter matches any binding.
	e := rig.newExecutable("unbound")
	x := make([]float32, 3)
	_, err := e.Run([]xrt.Parameter{simtrt.Float32Parameter("w", x, 1, 3)}, &xrt.ExecutableRunOptions{}, true)
	require.Error(t, err)

	// Build failures are fatal.
	injected := errors.New("out of memory")
	rig.builder.FailBuilds(injected)
	e = rig.newExecutable("failing")
	_, err = e.Run([]xrt.Parameter{simtrt.Float32Parameter("x", x, 1, 3)}, &xrt.ExecutableRunOptions{}, true)
	require.ErrorIs(t, err, injected)
	assert.Equal(t, 0, e.NumBuilds())
	rig.builder.FailBuilds(nil)

	// Invalid device.
	_, err = e.Run([]xrt.Parameter{simtrt.Float32Parameter("x", x, 1, 3)},
		&xrt.ExecutableRunOptions{Common: xrt.CommonRunOptions{DeviceOrdinal: 5}}, true)
	require.Error(t, err)

	// Stream synchronization failures are fatal.
	rig.device.FailSynchronize(errors.New("device lost"))
	_, err = e.Run([]xrt.Parameter{simtrt.Float32Parameter("x", x, 1, 3)}, &xrt.ExecutableRunOptions{}, true)
	require.Error(t, err)
}

func TestExecutableUnboundParameters(t *testing.T) {
	rig := newTestRig(t)
	e := rig.newExecutable("unbound_first")
	w := make([]float32, 16*3)
	x := []float32{-2, -1, 0, 1, 2, -2}
	y := make([]float32, 2*3)
	options := &xrt.ExecutableRunOptions{
		ReturnParams: []xrt.Parameter{simtrt.Float32Parameter("y", y, 2, 3)},
	}
	inputs := []xrt.Parameter{
		simtrt.Float32Parameter("w", w, 16, 3),
		simtrt.Float32Parameter("x", x, 2, 3),
	}
	ok, err := e.Run(inputs, options, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0, 0, 0, 2, 4, 0}, y)
	assert.Equal(t, 2, e.MaxBatchSize())
	assert.Equal(t, []int{2}, maxBatchSizes(rig.builder))
}

func TestExecutableFP16Fallback(t *testing.T) {
	rig := newTestRig(t, simtrt.WithFastFP16(false))
	e := rig.newExecutable("fp16")
	y := run(t, e, xrt.CommonRunOptions{UseFP16: true}, 2)
	assert.Equal(t, []float32{0, 0, 0, 2, 4, 0}, y)
	configs := rig.builder.Configs()
	require.Len(t, configs, 1)
	assert.Equal(t, "FP32", configs[0].Flags.String())

	rig = newTestRig(t)
	e = rig.newExecutable("fp16")
	y = run(t, e, xrt.CommonRunOptions{UseFP16: true}, 2)
	assert.Equal(t, []float32{0, 0, 0, 2, 4, 0}, y)
	assert.Equal(t, "FP16", rig.builder.Configs()[0].Flags.String())
}

func TestExecutableMissingCalibrationTable(t *testing.T) {
	rig := newTestRig(t)
	dir := t.TempDir()
	e := rig.newExecutable("conv_block")
	common := xrt.CommonRunOptions{UseInt8: true, Int8Calibration: dir}
	x := make([]float32, 3)
	_, err := e.Run([]xrt.Parameter{simtrt.Float32Parameter("x", x, 1, 3)}, &xrt.ExecutableRunOptions{Common: common}, true)
	require.ErrorIs(t, err, ErrCalibrationTableNotFound)
	assert.Contains(t, err.Error(), filepath.Join(dir, "conv_block"))
	assert.Equal(t, 0, rig.builder.NumBuilds())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv_block"), nil, 0o644))
	_, err = e.Run([]xrt.Parameter{simtrt.Float32Parameter("x", x, 1, 3)}, &xrt.ExecutableRunOptions{Common: common}, true)
	require.ErrorIs(t, err, ErrEmptyCalibrationTable)
	assert.Equal(t, 0, rig.builder.NumBuilds())
}

func TestExecutableWithCalibrationTable(t *testing.T) {
	rig := newTestRig(t)
	dir := t.TempDir()
	table := simtrt.FormatCalibrationTable(map[string]float32{"x": 2, "scale_1": 4, "relu_2": 4})
	require.NoError(t, WriteCalibrationTable(dir, "calibrated", table))

	e := rig.newExecutable("calibrated")
	run(t, e, xrt.CommonRunOptions{UseInt8: true, Int8Calibration: dir}, 2)
	assert.True(t, e.IsCalibrated())
	configs := rig.builder.Configs()
	require.Len(t, configs, 1)
	assert.Equal(t, "FP16|INT8", configs[0].Flags.String())
	assert.Empty(t, rig.registry.Names())

	// Without fast INT8, the table is loaded but the engine runs in FP32.
	rig = newTestRig(t, simtrt.WithFastINT8(false), simtrt.WithFastFP16(false))
	e = rig.newExecutable("calibrated")
	run(t, e, xrt.CommonRunOptions{UseInt8: true, Int8Calibration: dir}, 2)
	assert.Equal(t, "FP32", rig.builder.Configs()[0].Flags.String())
}

// calibrateUntilBuilt runs the executables in turn until the calibration build of name finishes.
func calibrateUntilBuilt(t *testing.T, rig *testRig, name string, common xrt.CommonRunOptions, batchSize int, executables ...*Executable) {
	deadline := time.Now().Add(waitTimeout)
	for {
		for _, e := range executables {
			run(t, e, common, batchSize)
		}
		res, found := rig.registry.Lookup(name)
		require.True(t, found)
		if res.IsBuilt() {
			return
		}
		require.True(t, time.Now().Before(deadline), "timed out waiting for calibration of %q", name)
		time.Sleep(time.Millisecond)
	}
}

func TestExecutableLiveCalibration(t *testing.T) {
	rig := newTestRig(t)
	e1, e2 := rig.newExecutable("shared"), rig.newExecutable("shared")
	common := xrt.CommonRunOptions{UseInt8: true, Int8CalibrationBatches: 2}

	// e1 starts the calibration with batch size 1, e2 has a capacity of 4.
	run(t, e1, common, 1)
	run(t, e2, common, 4)
	res, found := rig.registry.Lookup("shared")
	require.True(t, found)
	require.NotNil(t, res.Calibrator())
	calibrateUntilBuilt(t, rig, "shared", common, 1, e1, e2)
	done, err := res.Wait(waitTimeout)
	require.True(t, done)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Calibrator().NumBatches())
	assert.Equal(t, 1, numINT8Builds(rig.builder))

	// Once built, the executables adopt the calibrated engine.
	run(t, e1, common, 1)
	assert.True(t, e1.IsCalibrated())
	assert.Equal(t, 1, e1.MaxBatchSize())
	run(t, e2, common, 1)
	assert.True(t, e2.IsCalibrated())
	assert.Same(t, e1.Engine(), e2.Engine())
	calibrated := e1.Engine().(*simtrt.Engine)
	_, found = calibrated.CalibrationRange("x")
	assert.True(t, found)

	// Adopted engine too small: rebuilt with the calibration table.
	numBuilds := rig.builder.NumBuilds()
	run(t, e2, common, 4)
	assert.Equal(t, numBuilds+1, rig.builder.NumBuilds())
	assert.Equal(t, 4, e2.MaxBatchSize())
	assert.Equal(t, 2, numINT8Builds(rig.builder))
	assert.False(t, calibrated.IsDestroyed())

	// Shared engine is destroyed when the last executable releases it after the registry is reset.
	rig.registry.Reset()
	assert.False(t, calibrated.IsDestroyed())
	e1.Finalize()
	assert.True(t, calibrated.IsDestroyed())
	e2.Finalize()
	assert.Equal(t, 0, rig.builder.NumLiveEngines())
}

func TestExecutableLiveCalibrationWithoutFastINT8(t *testing.T) {
	rig := newTestRig(t, simtrt.WithFastINT8(false))
	e := rig.newExecutable("no_int8")
	common := xrt.CommonRunOptions{UseInt8: true, Int8CalibrationBatches: 2}
	run(t, e, common, 1)
	res, found := rig.registry.Lookup("no_int8")
	require.True(t, found)

	// The background build takes no calibration batches, so it finishes on its own.
	done, err := res.Wait(waitTimeout)
	require.True(t, done)
	require.NoError(t, err)
	y := run(t, e, common, 1)
	assert.Equal(t, []float32{0, 0, 0}, y)
	assert.True(t, e.IsInt8Settled())
	assert.False(t, e.IsCalibrated())
	assert.Equal(t, 0, res.Calibrator().NumBatches())
	assert.Equal(t, 0, numINT8Builds(rig.builder))

	// Settled executables don't offer batches anymore.
	numBuilds := rig.builder.NumBuilds()
	run(t, e, common, 1)
	assert.Equal(t, numBuilds, rig.builder.NumBuilds())
	e.Finalize()
}

func TestExecutableConcurrentCalibration(t *testing.T) {
	rig := newTestRig(t)
	common := xrt.CommonRunOptions{UseInt8: true, Int8CalibrationBatches: 3}
	var wg sync.WaitGroup
	executables := []*Executable{rig.newExecutable("concurrent"), rig.newExecutable("concurrent")}
	for _, e := range executables {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				_, err := tryRun(e, common, 2)
				assert.NoError(t, err)
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	res, found := rig.registry.Lookup("concurrent")
	require.True(t, found)
	require.Eventually(t, func() bool {
		run(t, executables[0], common, 2)
		return res.IsBuilt() || res.Calibrator().NumBatches() >= 1
	}, waitTimeout, time.Millisecond)
	_, err := rig.registry.Finish("concurrent", waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, 1, numINT8Builds(rig.builder))
	assert.Equal(t, []string{"concurrent"}, rig.registry.Names())
	for _, e := range executables {
		e.Finalize()
	}
}

func TestCalibrationRegistryFinish(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.registry.Finish("unknown", waitTimeout)
	require.Error(t, err)

	// Manual completion.
	e := rig.newExecutable("manual")
	common := xrt.CommonRunOptions{UseInt8: true}
	run(t, e, common, 1)
	res, _ := rig.registry.Lookup("manual")
	require.Eventually(t, func() bool {
		run(t, e, common, 1)
		return res.Calibrator().NumBatches() >= 1
	}, waitTimeout, time.Millisecond)
	assert.False(t, res.IsBuilt())
	table, err := rig.registry.Finish("manual", waitTimeout)
	require.NoError(t, err)
	require.NotEmpty(t, table)
	assert.True(t, res.IsBuilt())
	assert.True(t, rig.registry.Wait(waitTimeout))
	assert.Equal(t, 0, rig.registry.NumBuildsInFlight())

	// Save the table and use it from another registry: no live calibration.
	dir := t.TempDir()
	require.NoError(t, WriteCalibrationTable(dir, "manual", table))
	loaded, err := LoadCalibrationTable(dir, "manual")
	require.NoError(t, err)
	assert.Equal(t, table, loaded)
	rig2 := newTestRig(t)
	e2 := rig2.newExecutable("manual")
	run(t, e2, xrt.CommonRunOptions{UseInt8: true, Int8Calibration: dir}, 1)
	assert.True(t, e2.IsCalibrated())
	assert.Empty(t, rig2.registry.Names())
	assert.Equal(t, 1, numINT8Builds(rig2.builder))
}

func TestCalibrationRegistryReset(t *testing.T) {
	rig := newTestRig(t)
	e := rig.newExecutable("reset")
	common := xrt.CommonRunOptions{UseInt8: true}
	run(t, e, common, 1)
	require.Equal(t, []string{"reset"}, rig.registry.Names())

	rig.registry.Reset()
	assert.Empty(t, rig.registry.Names())
	assert.Equal(t, 0, rig.registry.NumBuildsInFlight())

	// Only the executable's own engine is left.
	assert.Equal(t, 1, rig.builder.NumLiveEngines())
	e.Finalize()
	assert.Equal(t, 0, rig.builder.NumLiveEngines())
}
