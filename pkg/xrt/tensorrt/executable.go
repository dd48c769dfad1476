// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensorrt

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Executable implements xrt.Executable for one Network.
//
// It owns at most one Engine and one ExecutionContext at a time. Run calls on the same
// Executable are serialized; independent Executables can run concurrently.
type Executable struct {
	name     string
	network  Network
	builder  Builder
	device   Device
	registry *CalibrationRegistry

	// mu serializes Run and Finalize, and guards the fields below.
	mu         sync.Mutex
	engine     Engine
	shared     *CalibrationResource // Set if engine was adopted from a calibration build.
	context    ExecutionContext
	calibrator *Int8Calibrator
	results    []xrt.Parameter
	finalized  bool

	numBuilds atomic.Int32
}

// Compile-time check that Executable implements xrt.Executable.
var _ xrt.Executable = (*Executable)(nil)

// ExecutableOption configures an Executable.
type ExecutableOption func(e *Executable)

// WithCalibrationRegistry makes the executable use registry instead of DefaultCalibrationRegistry.
func WithCalibrationRegistry(registry *CalibrationRegistry) ExecutableOption {
	return func(e *Executable) {
		e.registry = registry
	}
}

// NewExecutable returns an Executable for network, built with builder and executed on device.
//
// Executables with the same name share live INT8 calibration, and use the calibration table
// stored under that name. If name is empty, a unique name is generated.
func NewExecutable(name string, network Network, builder Builder, device Device, options ...ExecutableOption) *Executable {
	if name == "" {
		name = "trt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	e := &Executable{
		name:     name,
		network:  network,
		builder:  builder,
		device:   device,
		registry: DefaultCalibrationRegistry,
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Name implements xrt.Executable.
func (e *Executable) Name() string { return e.name }

// Results implements xrt.Executable.
func (e *Executable) Results() []xrt.Parameter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.results
}

// NumBuilds returns the number of engines built by this executable, including a background
// calibration build it started.
func (e *Executable) NumBuilds() int {
	return int(e.numBuilds.Load())
}

// Engine returns the current engine, or nil if none was built yet.
func (e *Executable) Engine() Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine
}

// MaxBatchSize returns the batch capacity of the current engine, or 0 if none was built yet.
func (e *Executable) MaxBatchSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.engine == nil {
		return 0
	}
	return e.engine.MaxBatchSize()
}

// IsCalibrated returns whether the executable has a completed INT8 calibration, either from a
// calibration table or adopted from a live calibration.
func (e *Executable) IsCalibrated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calibrator != nil && e.calibrator.Done()
}

// IsInt8Settled returns whether the executable stopped offering calibration batches: it loaded a
// calibration table or adopted the engine of a live calibration. Without fast INT8 support the
// adopted build never consumes batches, so the executable can be settled but not calibrated.
func (e *Executable) IsInt8Settled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calibrator != nil
}

// Run implements xrt.Executable.
//
// The returned error is always fatal: the engine could not be built, the calibration table is
// missing or empty, or the device failed. Nothing is retried.
func (e *Executable) Run(inputs []xrt.Parameter, options *xrt.ExecutableRunOptions, blockUntilDone bool) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return false, errors.Errorf("tensorrt: executable %q used after Finalize", e.name)
	}
	if options == nil {
		options = &xrt.ExecutableRunOptions{}
	}
	common := &options.Common
	if common.UseInt8 && e.calibrator == nil && common.Int8Calibration != "" {
		table, err := LoadCalibrationTable(common.Int8Calibration, e.name)
		if err != nil {
			return false, err
		}
		e.calibrator = NewInt8CalibratorFromTable(table)
	}
	if e.engine == nil {
		if err := e.rebuild(common, e.firstBatchSize(inputs)); err != nil {
			return false, err
		}
	}

	// All return params are the results of the executable.
	e.results = options.ReturnParams

	bindings, batchSize, err := e.resolve(inputs)
	if err != nil {
		return false, err
	}
	if batchSize > e.engine.MaxBatchSize() {
		klog.Warningf("Rebuild engine %q since the maximum batch size %d is less than the input batch size %d",
			e.name, e.engine.MaxBatchSize(), batchSize)
		if err := e.rebuild(common, batchSize); err != nil {
			return false, err
		}
		if bindings, batchSize, err = e.resolve(inputs); err != nil {
			return false, err
		}
	}

	if common.UseInt8 && e.calibrator == nil {
		adopted, err := e.calibrate(options, batchSize, bindings)
		if err != nil {
			return false, err
		}
		if adopted {
			if bindings, batchSize, err = e.resolve(inputs); err != nil {
				return false, err
			}
			if batchSize > e.engine.MaxBatchSize() {
				klog.Warningf("Rebuild calibrated engine %q since the maximum batch size %d is less than the input batch size %d",
					e.name, e.engine.MaxBatchSize(), batchSize)
				if err := e.rebuild(common, batchSize); err != nil {
					return false, err
				}
				if bindings, batchSize, err = e.resolve(inputs); err != nil {
					return false, err
				}
			}
		}
	}
	return e.execute(batchSize, bindings.Buffers, options.Stream, blockUntilDone)
}

// firstBatchSize returns the batch size of the first input that is an input of the network, or 1.
// Parameters that match no binding don't size the first engine.
func (e *Executable) firstBatchSize(inputs []xrt.Parameter) int {
	names := e.network.InputNames()
	for _, input := range inputs {
		if slices.Contains(names, input.Name()) {
			return max(1, input.BatchSize())
		}
	}
	return 1
}

// resolve binds the inputs and the current results to the engine slots, and returns the batch size
// of the execution.
func (e *Executable) resolve(inputs []xrt.Parameter) (*Bindings, int, error) {
	bindings := ResolveBindings(e.engine, inputs, e.results)
	batchSize, ok := bindings.BatchSize()
	if !ok {
		return nil, 0, errors.Errorf("tensorrt: no parameter of executable %q matches any of its %d engine bindings",
			e.name, e.engine.NumBindings())
	}
	if klog.V(1).Enabled() {
		for _, mismatch := range bindings.InconsistentBatchSizes() {
			klog.Infof("executable %q: %s, using batch size %d", e.name, mismatch, batchSize)
		}
	}
	return bindings, batchSize, nil
}

// createEngine builds a new engine for batchSize. calibrator may be nil.
func (e *Executable) createEngine(options *xrt.CommonRunOptions, batchSize int, calibrator *Int8Calibrator) (Engine, error) {
	var calib Calibrator
	if calibrator != nil {
		calib = calibrator
	}
	config := BuildConfig(options, e.builder, batchSize, calib)
	klog.V(1).Infof("building engine %q: max batch size %d, precision %s, workspace %s",
		e.name, config.MaxBatchSize, config.Flags, humanize.IBytes(uint64(config.MaxWorkspaceSize)))
	start := time.Now()
	engine, err := e.builder.BuildEngine(e.network, config)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensorrt: cannot create engine for %q with batch size %d",
			e.name, config.MaxBatchSize)
	}
	if engine == nil {
		return nil, errors.Errorf("tensorrt: cannot create engine for %q with batch size %d", e.name, config.MaxBatchSize)
	}
	e.numBuilds.Add(1)
	klog.V(1).Infof("built engine %q in %s", e.name, time.Since(start))
	return engine, nil
}

// rebuild replaces the current engine (if any) and its context with a new engine with capacity for at
// least batchSize examples.
func (e *Executable) rebuild(options *xrt.CommonRunOptions, batchSize int) error {
	if err := e.device.SetDevice(options.DeviceOrdinal); err != nil {
		return errors.WithMessagef(err, "tensorrt: failed to select device %d for %q", options.DeviceOrdinal, e.name)
	}
	engine, err := e.createEngine(options, batchSize, e.calibrator)
	if err != nil {
		return err
	}
	e.releaseEngine()
	e.engine = engine
	return nil
}

// releaseEngine destroys the current context and engine, or drops the reference to the engine if it
// is shared.
func (e *Executable) releaseEngine() {
	if e.context != nil {
		e.context.Destroy()
		e.context = nil
	}
	if e.engine != nil {
		if e.shared != nil {
			e.shared.releaseEngine()
			e.shared = nil
		} else {
			e.engine.Destroy()
		}
		e.engine = nil
	}
}

// calibrate advances the live INT8 calibration shared by executables of the same name.
//
// The first caller starts the background build. Until it finishes, the bound parameters are
// offered to the shared calibrator as a calibration batch, and execution continues with the current
// engine. Once it finishes, the calibrated engine and calibrator are adopted, and it returns true.
func (e *Executable) calibrate(options *xrt.ExecutableRunOptions, batchSize int, bindings *Bindings) (adopted bool, err error) {
	res := e.registry.LookupOrCreate(e.name)
	res.mu.Lock()
	if res.calibrator == nil {
		ordinal, err := e.device.CurrentDevice()
		if err != nil {
			res.mu.Unlock()
			return false, errors.WithMessagef(err, "tensorrt: failed to query current device for %q", e.name)
		}
		calibrator := NewInt8Calibrator(e.device, options.Common.Int8CalibrationBatches)
		res.calibrator = calibrator
		buildOptions := options.Common
		e.registry.start(res, func() (Engine, error) {
			if err := e.device.SetDevice(ordinal); err != nil {
				return nil, errors.WithMessagef(err, "failed to select device %d", ordinal)
			}
			// Building with a calibration batch size other than 1 is not reliable.
			calibrator.SetBatchSize(1)
			return e.createEngine(&buildOptions, batchSize, calibrator)
		})
		klog.Infof("started int8 calibration for %q on device %d", e.name, ordinal)
	}
	calibrator := res.calibrator
	res.mu.Unlock()

	if !res.IsBuilt() {
		if _, err := calibrator.SetBatch(bindings.Bound(), options.Stream); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := res.Err(); err != nil {
		return false, errors.WithMessagef(err, "tensorrt: int8 calibration of %q failed", e.name)
	}
	if err := e.device.Synchronize(options.Stream); err != nil {
		return false, errors.WithMessagef(err, "tensorrt: failed to synchronize stream before adopting calibrated engine %q", e.name)
	}
	engine, err := res.acquireEngine()
	if err != nil {
		return false, err
	}
	e.releaseEngine()
	e.engine = engine
	e.shared = res
	e.calibrator = calibrator
	context, err := engine.CreateExecutionContext()
	if err != nil {
		return false, errors.WithMessagef(err, "tensorrt: failed to create execution context for calibrated engine %q", e.name)
	}
	e.context = context
	klog.Infof("executable %q adopted int8 calibrated engine with max batch size %d", e.name, engine.MaxBatchSize())
	return true, nil
}

// execute enqueues the engine on stream, and optionally waits for it to finish.
func (e *Executable) execute(batchSize int, buffers []unsafe.Pointer, stream xrt.Stream, blockUntilDone bool) (bool, error) {
	if e.context == nil {
		context, err := e.engine.CreateExecutionContext()
		if err != nil {
			return false, errors.WithMessagef(err, "tensorrt: failed to create execution context for %q", e.name)
		}
		e.context = context
	}
	status := e.context.Enqueue(batchSize, buffers, stream)
	if blockUntilDone {
		if err := e.device.Synchronize(stream); err != nil {
			return false, errors.WithMessagef(err, "tensorrt: failed to synchronize stream of %q", e.name)
		}
	}
	return status, nil
}

// Finalize implements xrt.Executable: it releases the engine and context. The shared calibration
// state, if any, stays in the registry.
func (e *Executable) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return
	}
	e.releaseEngine()
	e.calibrator = nil
	e.results = nil
	e.finalized = true
}
