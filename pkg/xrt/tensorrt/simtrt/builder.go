// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simtrt

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Builder implements tensorrt.Builder for Network.
//
// It records every configuration it is asked to build, so tests can check what was built.
type Builder struct {
	fastFP16, fastINT8 bool

	mu          sync.Mutex
	configs     []tensorrt.BuilderConfig
	buildErr    error
	liveEngines int
	numEnqueues int
}

// Compile-time check that Builder implements tensorrt.Builder.
var _ tensorrt.Builder = (*Builder)(nil)

// BuilderOption configures a Builder.
type BuilderOption func(b *Builder)

// WithFastFP16 sets whether the simulated platform has fast FP16 kernels.
func WithFastFP16(fast bool) BuilderOption {
	return func(b *Builder) { b.fastFP16 = fast }
}

// WithFastINT8 sets whether the simulated platform has fast INT8 kernels.
func WithFastINT8(fast bool) BuilderOption {
	return func(b *Builder) { b.fastINT8 = fast }
}

// NewBuilder returns a builder for a platform with fast FP16 and INT8, unless changed by the options.
func NewBuilder(options ...BuilderOption) *Builder {
	b := &Builder{fastFP16: true, fastINT8: true}
	for _, option := range options {
		option(b)
	}
	return b
}

// PlatformHasFastFP16 implements tensorrt.Platform.
func (b *Builder) PlatformHasFastFP16() bool { return b.fastFP16 }

// PlatformHasFastINT8 implements tensorrt.Platform.
func (b *Builder) PlatformHasFastINT8() bool { return b.fastINT8 }

// FailBuilds makes all following builds fail with err. Use nil to clear it.
func (b *Builder) FailBuilds(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buildErr = err
}

// NumBuilds returns the number of builds requested, including failed ones.
func (b *Builder) NumBuilds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.configs)
}

// Configs returns the configurations of all builds requested, in order.
func (b *Builder) Configs() []tensorrt.BuilderConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	configs := make([]tensorrt.BuilderConfig, len(b.configs))
	copy(configs, b.configs)
	return configs
}

// NumLiveEngines returns the number of engines built and not yet destroyed.
func (b *Builder) NumLiveEngines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveEngines
}

// NumEnqueues returns the number of successful enqueues of engines of this builder.
func (b *Builder) NumEnqueues() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numEnqueues
}

// BuildEngine implements tensorrt.Builder.
//
// With BuilderFlagINT8 it calibrates the network first: it uses the calibrator's cached table if
// there is one, otherwise it consumes calibration batches until the calibrator has no more, and
// writes back the resulting table.
func (b *Builder) BuildEngine(network tensorrt.Network, config *tensorrt.BuilderConfig) (tensorrt.Engine, error) {
	b.mu.Lock()
	b.configs = append(b.configs, *config)
	buildErr := b.buildErr
	b.mu.Unlock()
	if buildErr != nil {
		return nil, buildErr
	}

	net, ok := network.(*Network)
	if !ok {
		return nil, errors.Errorf("simtrt: network %q of type %T is not a simtrt network", network.Name(), network)
	}
	var engine *Engine
	err := exceptions.TryCatch[error](func() {
		if len(net.outputs) == 0 {
			exceptions.Panicf("simtrt: network %q has no outputs", net.name)
		}
		if config.MaxBatchSize <= 0 {
			exceptions.Panicf("simtrt: invalid max batch size %d", config.MaxBatchSize)
		}
		engine = newEngine(b, net, config)
		if config.Flags.Has(tensorrt.BuilderFlagINT8) {
			if config.Int8Calibrator == nil {
				exceptions.Panicf("simtrt: INT8 build of %q requires a calibrator", net.name)
			}
			engine.ranges = calibrate(net, config.Int8Calibrator)
		}
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.liveEngines++
	b.mu.Unlock()
	klog.V(1).Infof("simtrt: built %q with max batch size %d, precision %s", net.name, config.MaxBatchSize, config.Flags)
	return engine, nil
}

// calibrate returns the ranges of the nodes of net, from the calibrator's table if it has one,
// or from the calibration batches it provides. It panics on errors.
func calibrate(net *Network, calibrator tensorrt.Calibrator) map[string]float32 {
	if table := calibrator.ReadCalibrationCache(); len(table) > 0 {
		ranges, err := ParseCalibrationTable(table)
		if err != nil {
			panic(errors.WithMessagef(err, "simtrt: invalid calibration table for %q", net.name))
		}
		return ranges
	}
	names := net.InputNames()
	ranges := make(map[string]float32, len(net.nodes))
	numBatches := 0
	for {
		ptrs, ok := calibrator.NextBatch(names)
		if !ok {
			break
		}
		values := net.evaluate(calibrator.BatchSize(), ptrs, nil)
		for _, node := range net.nodes {
			for _, v := range values[node.id] {
				ranges[node.name] = max(ranges[node.name], abs(v))
			}
		}
		numBatches++
	}
	if numBatches == 0 {
		exceptions.Panicf("simtrt: INT8 calibration of %q ended without any calibration batch", net.name)
	}
	klog.V(1).Infof("simtrt: calibrated %q with %d batches", net.name, numBatches)
	calibrator.WriteCalibrationCache(FormatCalibrationTable(ranges))
	return ranges
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
