// xrt_run drives a TensorRT-style executable over the simulated runtime: it builds a small
// network, runs it over a sequence of batch sizes and reports the engine rebuilds, the precision
// used and, for INT8, the live calibration.
//
// Example:
//
//	xrt_run -batches=1,4,16 -int8 -calibration_batches=8 -save_calibration=/tmp/calibration
//	xrt_run -batches=1,4,16 -int8 -calibration_dir=/tmp/calibration
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/xrt/pkg/core/bucketing"
	"github.com/gomlx/xrt/pkg/support/xslices"
	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/gomlx/xrt/pkg/xrt/runconfig"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt/simtrt"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "HCL run-configuration file. If set, it replaces the precision and "+
		"calibration flags below.")
	flagRun  = flag.String("run", "", "Name of the run block to use from -config. Optional if it has only one.")
	flagName = flag.String("name", "xrt_block", "Name of the executable. Executables with the same name share "+
		"calibration, and it is the name of the calibration table file.")
	flagBatches = xslices.Flag("batches", []int{1, 4, 8}, "Comma-separated list of batch sizes to run, in order.",
		strconv.Atoi)
	flagRepeat   = flag.Int("repeat", 4, "Number of executions of each batch size.")
	flagFeatures = flag.Int("features", 16, "Number of features per example of the network input.")

	flagDevice       = flag.Int("device", 0, "Device ordinal. Ignored with -config.")
	flagNumDevices   = flag.Int("num_devices", 1, "Number of simulated devices.")
	flagWorkspace    = flag.String("workspace", "16MiB", "Builder workspace size, e.g. \"64MiB\".")
	flagFP16         = flag.Bool("fp16", false, "Use FP16 precision, if the platform supports it.")
	flagInt8         = flag.Bool("int8", false, "Use INT8 precision, if the platform supports it.")
	flagMaxBatchSize = flag.Int("max_batch_size", 0, "Minimum batch capacity of the engine.")
	flagBucketing    = flag.String("bucketing", "", "Batch bucketing when rebuilding the engine: "+
		"\"pow2\", \"linear:<step>\", \"exponential:<base>\" or empty for exact.")
	flagCalibrationDir = flag.String("calibration_dir", "", "Directory with precomputed INT8 calibration tables. "+
		"If empty, -int8 calibrates live.")
	flagCalibrationBatches = flag.Int("calibration_batches", 8, "Number of batches used by live INT8 calibration.")
	flagSaveCalibration    = flag.String("save_calibration", "", "If set, after live INT8 calibration the table "+
		"is saved in this directory.")
	flagCalibrationTimeout = flag.Duration("calibration_timeout", time.Minute, "Maximum time to wait for live "+
		"INT8 calibration to finish.")

	flagNoFastFP16 = flag.Bool("no_fast_fp16", false, "Simulate a platform without fast FP16.")
	flagNoFastInt8 = flag.Bool("no_fast_int8", false, "Simulate a platform without fast INT8.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'xrt_run -help'.", flag.Args())
		os.Exit(1)
	}
	options := must.M1(runOptions())
	klog.V(1).Infof("run options: %s", options)

	device := simtrt.NewDevice(*flagNumDevices)
	builder := simtrt.NewBuilder(simtrt.WithFastFP16(!*flagNoFastFP16), simtrt.WithFastINT8(!*flagNoFastInt8))
	e := tensorrt.NewExecutable(*flagName, newNetwork(*flagName, *flagFeatures), builder, device)
	defer e.Finalize()

	runner := newRunner(e, options, *flagFeatures)
	if options.UseInt8 && options.Int8Calibration == "" {
		must.M(runner.calibrate(*flagCalibrationTimeout))
		if *flagSaveCalibration != "" && !e.IsCalibrated() {
			klog.Warningf("No INT8 calibration table to save to %q", *flagSaveCalibration)
		} else if *flagSaveCalibration != "" {
			table := must.M1(tensorrt.DefaultCalibrationRegistry.Finish(e.Name(), *flagCalibrationTimeout))
			must.M(tensorrt.WriteCalibrationTable(*flagSaveCalibration, e.Name(), table))
			fmt.Printf("Saved calibration table (%s) to %q\n", humanize.IBytes(uint64(len(table))),
				must.M1(tensorrt.CalibrationTablePath(*flagSaveCalibration, e.Name())))
		}
	}
	for _, batchSize := range *flagBatches {
		for range *flagRepeat {
			must.M(runner.run(batchSize))
		}
	}
	printSummary(runner, builder, device)
	tensorrt.DefaultCalibrationRegistry.Reset()
}

// runOptions returns the options from -config, or from the flags.
func runOptions() (*xrt.CommonRunOptions, error) {
	var options *xrt.CommonRunOptions
	if *flagConfig != "" {
		f, err := runconfig.Load(*flagConfig)
		if err != nil {
			return nil, err
		}
		options, err = f.Options(*flagRun)
		if err != nil {
			return nil, err
		}
	} else {
		workspace, err := humanize.ParseBytes(*flagWorkspace)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid -workspace=%q", *flagWorkspace)
		}
		options = &xrt.CommonRunOptions{
			DeviceOrdinal:          *flagDevice,
			MaxWorkspaceSize:       int64(workspace),
			UseFP16:                *flagFP16,
			UseInt8:                *flagInt8,
			MaxBatchSize:           *flagMaxBatchSize,
			Int8Calibration:        *flagCalibrationDir,
			Int8CalibrationBatches: *flagCalibrationBatches,
		}
		if *flagBucketing != "" {
			options.BatchBucketing, err = bucketing.Parse(*flagBucketing)
			if err != nil {
				return nil, errors.WithMessage(err, "invalid -bucketing")
			}
		}
	}
	return options, nil
}
