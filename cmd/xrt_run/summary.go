package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt/simtrt"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// printSummary of the executable and the simulated runtime.
func printSummary(r *runner, builder *simtrt.Builder, device *simtrt.Device) {
	e := r.e
	fmt.Println(titleStyle.Render("Executable"))
	table := newPlainTable(false)
	table.Row("name", e.Name())
	table.Row("options", r.options.Common.String())
	table.Row("engine builds", humanize.Comma(int64(e.NumBuilds())))
	table.Row("max batch size", strconv.Itoa(e.MaxBatchSize()))
	precision := "-"
	if engine, ok := e.Engine().(*simtrt.Engine); ok {
		precision = engine.Precision().String()
	}
	table.Row("precision", precision)
	table.Row("int8 calibrated", strconv.FormatBool(e.IsCalibrated()))
	table.Row("enqueues", humanize.Comma(int64(builder.NumEnqueues())))
	table.Row("stream synchronizations", humanize.Comma(int64(device.NumSynchronize(r.options.Stream))))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Builds"))
	table = newPlainTable(true).Headers("#", "Max Batch Size", "Precision", "Workspace")
	for ii, config := range builder.Configs() {
		table.Row(strconv.Itoa(ii+1), strconv.Itoa(config.MaxBatchSize), config.Flags.String(),
			humanize.IBytes(uint64(config.MaxWorkspaceSize)))
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Runs"))
	table = newPlainTable(true).Headers("Batch Size", "Runs", "Mean Time")
	for _, batchSize := range r.order {
		numRuns := r.numRuns[batchSize]
		table.Row(strconv.Itoa(batchSize), humanize.Comma(int64(numRuns)),
			(r.duration[batchSize] / time.Duration(max(numRuns, 1))).String())
	}
	fmt.Println(table.Render())

	if names := tensorrt.DefaultCalibrationRegistry.Names(); len(names) > 0 {
		fmt.Printf("Live calibrations: %q\n", names)
	}
}
