// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensorrt

import (
	"maps"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xrt/internal/workerspool"
	"github.com/gomlx/xrt/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CalibrationRegistry holds the live INT8 calibration state shared by all executables with the
// same name, and runs their background calibration builds.
//
// Resources are created on demand and never removed implicitly: call Reset to tear them down.
type CalibrationRegistry struct {
	mu        sync.Mutex
	resources map[string]*CalibrationResource
	pool      *workerspool.Pool
}

// DefaultCalibrationRegistry is the process-wide registry used by executables unless
// WithCalibrationRegistry is given.
var DefaultCalibrationRegistry = NewCalibrationRegistry()

// NewCalibrationRegistry returns an empty registry.
//
// Calibration builds wait on calibration batches for as long as calibration lasts, so they are
// not limited in parallelism.
func NewCalibrationRegistry() *CalibrationRegistry {
	pool := workerspool.New()
	pool.SetMaxParallelism(-1)
	return &CalibrationRegistry{
		resources: make(map[string]*CalibrationResource),
		pool:      pool,
	}
}

// LookupOrCreate returns the resource for name, creating an empty one if it doesn't exist yet.
func (r *CalibrationRegistry) LookupOrCreate(name string) *CalibrationResource {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, found := r.resources[name]
	if !found {
		res = &CalibrationResource{
			name:  name,
			built: xsync.NewLatchWithValue[error](),
		}
		r.resources[name] = res
	}
	return res
}

// Lookup returns the resource for name, if it exists.
func (r *CalibrationRegistry) Lookup(name string) (*CalibrationResource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, found := r.resources[name]
	return res, found
}

// Names returns the names with a calibration resource, sorted.
func (r *CalibrationRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.resources))
}

// NumBuildsInFlight returns the number of background calibration builds not yet finished.
func (r *CalibrationRegistry) NumBuildsInFlight() int {
	return r.pool.NumPending()
}

// Wait waits at most timeout for all background calibration builds to finish.
// It returns whether they all finished.
func (r *CalibrationRegistry) Wait(timeout time.Duration) bool {
	return r.pool.WaitTimeout(timeout)
}

// Finish ends the live calibration for name: the calibrator stops taking batches, and Finish waits
// at most timeout for the background build to publish its engine. It returns the calibration table,
// which can be saved with WriteCalibrationTable and later used with CommonRunOptions.Int8Calibration.
func (r *CalibrationRegistry) Finish(name string, timeout time.Duration) ([]byte, error) {
	res, found := r.Lookup(name)
	if !found {
		return nil, errors.Errorf("no int8 calibration for executable %q", name)
	}
	calibrator := res.Calibrator()
	if calibrator == nil {
		return nil, errors.Errorf("int8 calibration for executable %q was never started", name)
	}
	calibrator.SetDone()
	done, err := res.Wait(timeout)
	if !done {
		return nil, errors.Errorf("timed out after %s waiting for int8 calibration of %q", timeout, name)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "int8 calibration of %q failed", name)
	}
	table := calibrator.CalibrationTable()
	if len(table) == 0 {
		return nil, errors.Errorf("int8 calibration of %q produced no calibration table", name)
	}
	return table, nil
}

// Reset ends all live calibrations, waits for their background builds and removes all resources.
//
// Engines still adopted by executables are destroyed when the last of them is finalized.
func (r *CalibrationRegistry) Reset() {
	r.mu.Lock()
	resources := r.resources
	r.resources = make(map[string]*CalibrationResource)
	r.mu.Unlock()

	for _, res := range resources {
		if calibrator := res.Calibrator(); calibrator != nil {
			calibrator.SetDone()
		}
	}
	r.pool.Wait()
	for _, res := range resources {
		res.detach()
	}
}

// start hands the background build of the resource to the pool. build runs on a goroutine
// locked to its OS thread, so per-thread device selection holds for the whole build.
func (r *CalibrationRegistry) start(res *CalibrationResource, build func() (Engine, error)) {
	r.pool.Go(func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		var engine Engine
		err := exceptions.TryCatch[error](func() {
			var buildErr error
			engine, buildErr = build()
			if buildErr != nil {
				panic(buildErr)
			}
		})
		if err != nil {
			klog.Errorf("int8 calibration build for %q failed: %+v", res.name, err)
			engine = nil
		} else {
			klog.Infof("int8 calibration build for %q finished", res.name)
		}
		res.publish(engine, err)
	})
}

// CalibrationResource is the calibration state of one executable name: the shared calibrator,
// the engine built with it in the background, and the completion of that build.
//
// Fields are only accessed with mu held, except the completion, which is published atomically
// and can be polled without locking.
type CalibrationResource struct {
	name string

	mu         sync.Mutex
	calibrator *Int8Calibrator
	engine     Engine
	refs       int  // Executables that adopted engine.
	detached   bool // Removed from the registry.

	built *xsync.LatchWithValue[error]
}

// Name of the executables sharing this resource.
func (res *CalibrationResource) Name() string { return res.name }

// Calibrator returns the shared calibrator, or nil if calibration hasn't started.
func (res *CalibrationResource) Calibrator() *Int8Calibrator {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.calibrator
}

// IsBuilt returns whether the background build finished (successfully or not). It doesn't lock.
func (res *CalibrationResource) IsBuilt() bool {
	return res.built.Test()
}

// Wait at most timeout for the background build. It returns whether it finished, and its error.
func (res *CalibrationResource) Wait(timeout time.Duration) (done bool, err error) {
	err, done = res.built.WaitTimeout(timeout)
	return
}

// Err returns the error of the background build, or nil if it succeeded or hasn't finished.
func (res *CalibrationResource) Err() error {
	if !res.built.Test() {
		return nil
	}
	return res.built.Wait()
}

// publish the result of the background build.
func (res *CalibrationResource) publish(engine Engine, err error) {
	res.mu.Lock()
	res.engine = engine
	if res.detached && res.refs == 0 && engine != nil {
		engine.Destroy()
		res.engine = nil
	}
	res.mu.Unlock()
	res.built.Trigger(err)
}

// acquireEngine returns the calibrated engine and takes a reference to it.
func (res *CalibrationResource) acquireEngine() (Engine, error) {
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.engine == nil {
		return nil, errors.Errorf("int8 calibration of %q has no engine", res.name)
	}
	res.refs++
	return res.engine, nil
}

// releaseEngine drops a reference taken with acquireEngine.
func (res *CalibrationResource) releaseEngine() {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.refs--
	if res.refs == 0 && res.detached && res.engine != nil {
		res.engine.Destroy()
		res.engine = nil
	}
}

// detach is called when the resource is removed from its registry, after its build finished.
func (res *CalibrationResource) detach() {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.detached = true
	if res.refs == 0 && res.engine != nil {
		res.engine.Destroy()
		res.engine = nil
	}
	if res.calibrator != nil && res.calibrator.device != nil {
		res.calibrator.Release()
	}
}
