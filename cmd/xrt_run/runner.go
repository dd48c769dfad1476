package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt/simtrt"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// newNetwork returns probs = softmax(relu(2*x) + x), with x of shape [batch, features].
func newNetwork(name string, features int) *simtrt.Network {
	net := simtrt.NewNetwork(name)
	x := net.AddInput("x", features)
	hidden := net.Add(net.Relu(net.Scale(x, 2)), x)
	net.MarkOutput(net.Softmax(hidden), "probs")
	return net
}

// runner executes the executable with random inputs, and keeps per batch size statistics.
type runner struct {
	e        *tensorrt.Executable
	options  xrt.ExecutableRunOptions
	features int
	rng      *rand.Rand

	numRuns  map[int]int
	duration map[int]time.Duration
	order    []int
}

func newRunner(e *tensorrt.Executable, common *xrt.CommonRunOptions, features int) *runner {
	return &runner{
		e:        e,
		options:  xrt.ExecutableRunOptions{Common: *common},
		features: features,
		rng:      rand.New(rand.NewPCG(42, 0)),
		numRuns:  make(map[int]int),
		duration: make(map[int]time.Duration),
	}
}

// run executes once with a random batch of batchSize examples.
func (r *runner) run(batchSize int) error {
	if batchSize <= 0 {
		return errors.Errorf("invalid batch size %d", batchSize)
	}
	x := make([]float32, batchSize*r.features)
	for ii := range x {
		x[ii] = float32(r.rng.NormFloat64())
	}
	probs := make([]float32, batchSize*r.features)
	r.options.ReturnParams = []xrt.Parameter{simtrt.Float32Parameter("probs", probs, batchSize, r.features)}
	start := time.Now()
	ok, err := r.e.Run([]xrt.Parameter{simtrt.Float32Parameter("x", x, batchSize, r.features)}, &r.options, true)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("failed to enqueue %q with batch size %d", r.e.Name(), batchSize)
	}
	if _, found := r.numRuns[batchSize]; !found {
		r.order = append(r.order, batchSize)
	}
	r.numRuns[batchSize]++
	r.duration[batchSize] += time.Since(start)
	return nil
}

// calibrate executes with batches of 1 until the live INT8 calibration of the executable is built
// and adopted, displaying the progress.
func (r *runner) calibrate(timeout time.Duration) error {
	numBatches := r.options.Common.Int8CalibrationBatches
	if numBatches <= 0 {
		return errors.New("live INT8 calibration requires -calibration_batches > 0")
	}
	out := termenv.NewOutput(os.Stdout)
	out.HideCursor()
	defer out.ShowCursor()
	bar := progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("Calibrating %q", r.e.Name())),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	deadline := time.Now().Add(timeout)
	for !r.e.IsInt8Settled() {
		if time.Now().After(deadline) {
			return errors.Errorf("timed out after %s calibrating %q", timeout, r.e.Name())
		}
		if err := r.run(1); err != nil {
			return err
		}
		if res, found := tensorrt.DefaultCalibrationRegistry.Lookup(r.e.Name()); found {
			if calibrator := res.Calibrator(); calibrator != nil {
				_ = bar.Set(min(calibrator.NumBatches(), numBatches))
			}
		}
		time.Sleep(time.Millisecond)
	}
	_ = bar.Finish()
	if !r.e.IsCalibrated() {
		klog.Infof("executable %q adopted an engine without INT8 calibration, the platform has no fast INT8 support", r.e.Name())
		return nil
	}
	klog.V(1).Infof("executable %q calibrated", r.e.Name())
	return nil
}
