package main

import (
	"testing"
	"time"

	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt/simtrt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, name string, options ...simtrt.BuilderOption) *runner {
	t.Cleanup(tensorrt.DefaultCalibrationRegistry.Reset)
	e := tensorrt.NewExecutable(name, newNetwork(name, 4), simtrt.NewBuilder(options...), simtrt.NewDevice(1))
	t.Cleanup(e.Finalize)
	return newRunner(e, &xrt.CommonRunOptions{UseInt8: true, Int8CalibrationBatches: 2}, 4)
}

func TestRunnerCalibrate(t *testing.T) {
	r := newTestRunner(t, "runner_int8")
	require.NoError(t, r.calibrate(10*time.Second))
	assert.True(t, r.e.IsCalibrated())
	require.NoError(t, r.run(3))
	assert.Equal(t, []int{1, 3}, r.order)

	r = newTestRunner(t, "runner_no_int8", simtrt.WithFastINT8(false))
	require.NoError(t, r.calibrate(10*time.Second))
	assert.True(t, r.e.IsInt8Settled())
	assert.False(t, r.e.IsCalibrated())
}
