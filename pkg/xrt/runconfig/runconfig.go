// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runconfig loads xrt.CommonRunOptions from HCL run-configuration files.
//
// A file holds one or more labeled run blocks. All attributes are optional:
//
//	run "serving" {
//	  device                   = 0
//	  workspace                = 64 * MiB
//	  fp16                     = true
//	  int8                     = true
//	  int8_calibration         = "~/.cache/xrt/calibration"
//	  int8_calibration_batches = 16
//	  max_batch_size           = 8
//	  batch_bucketing          = "pow2"
//	}
//
// The constants KiB, MiB and GiB can be used in expressions. batch_bucketing takes the strategies
// accepted by bucketing.Parse.
package runconfig

import (
	"slices"

	"github.com/gomlx/xrt/pkg/core/bucketing"
	"github.com/gomlx/xrt/pkg/xrt"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"k8s.io/klog/v2"
)

// hclFile is the top-level structure of a run-configuration file, for decoding.
type hclFile struct {
	Runs []*hclRun `hcl:"run,block"`
}

type hclRun struct {
	Name                   string `hcl:"name,label"`
	Device                 int    `hcl:"device,optional"`
	Workspace              int64  `hcl:"workspace,optional"`
	FP16                   bool   `hcl:"fp16,optional"`
	Int8                   bool   `hcl:"int8,optional"`
	Int8Calibration        string `hcl:"int8_calibration,optional"`
	Int8CalibrationBatches int    `hcl:"int8_calibration_batches,optional"`
	MaxBatchSize           int    `hcl:"max_batch_size,optional"`
	BatchBucketing         string `hcl:"batch_bucketing,optional"`
}

// File is a parsed run-configuration file.
type File struct {
	// Names of the run blocks, in the order they appear.
	Names []string

	runs map[string]*xrt.CommonRunOptions
}

// evalContext exposes the size constants to the configuration expressions.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"KiB": cty.NumberIntVal(1 << 10),
			"MiB": cty.NumberIntVal(1 << 20),
			"GiB": cty.NumberIntVal(1 << 30),
		},
	}
}

// Load parses the run-configuration file at filePath.
func Load(filePath string) (*File, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(filePath)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to parse run configuration %q", filePath)
	}
	return decode(f, filePath)
}

// Parse parses a run configuration from src. filename is only used in error messages.
func Parse(src []byte, filename string) (*File, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to parse run configuration %q", filename)
	}
	return decode(f, filename)
}

func decode(f *hcl.File, filename string) (*File, error) {
	var parsed hclFile
	diags := gohcl.DecodeBody(f.Body, evalContext(), &parsed)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to decode run configuration %q", filename)
	}
	file := &File{runs: make(map[string]*xrt.CommonRunOptions, len(parsed.Runs))}
	for _, run := range parsed.Runs {
		if _, found := file.runs[run.Name]; found {
			return nil, errors.Errorf("run configuration %q: duplicate run block %q", filename, run.Name)
		}
		options, err := run.options()
		if err != nil {
			return nil, errors.WithMessagef(err, "run configuration %q, run block %q", filename, run.Name)
		}
		file.runs[run.Name] = options
		file.Names = append(file.Names, run.Name)
	}
	return file, nil
}

// options validates the decoded block and converts it.
func (r *hclRun) options() (*xrt.CommonRunOptions, error) {
	if r.Device < 0 {
		return nil, errors.Errorf("invalid device %d", r.Device)
	}
	if r.Workspace < 0 {
		return nil, errors.Errorf("invalid workspace %d", r.Workspace)
	}
	if r.MaxBatchSize < 0 {
		return nil, errors.Errorf("invalid max_batch_size %d", r.MaxBatchSize)
	}
	if r.Int8CalibrationBatches < 0 {
		return nil, errors.Errorf("invalid int8_calibration_batches %d", r.Int8CalibrationBatches)
	}
	var strategy bucketing.Strategy
	if r.BatchBucketing != "" {
		var err error
		strategy, err = bucketing.Parse(r.BatchBucketing)
		if err != nil {
			return nil, err
		}
	}
	if !r.Int8 && (r.Int8Calibration != "" || r.Int8CalibrationBatches > 0) {
		klog.Warningf("run block %q sets int8 calibration options, but int8 is not enabled", r.Name)
	}
	return &xrt.CommonRunOptions{
		DeviceOrdinal:          r.Device,
		MaxWorkspaceSize:       r.Workspace,
		UseFP16:                r.FP16,
		UseInt8:                r.Int8,
		MaxBatchSize:           r.MaxBatchSize,
		Int8Calibration:        r.Int8Calibration,
		Int8CalibrationBatches: r.Int8CalibrationBatches,
		BatchBucketing:         strategy,
	}, nil
}

// Options returns a copy of the options of the named run block. If name is empty and the file has
// exactly one run block, that one is returned.
func (f *File) Options(name string) (*xrt.CommonRunOptions, error) {
	if name == "" {
		if len(f.Names) != 1 {
			return nil, errors.Errorf("run configuration has %d run blocks %q, a name must be given", len(f.Names), f.Names)
		}
		name = f.Names[0]
	}
	options, found := f.runs[name]
	if !found {
		return nil, errors.Errorf("run configuration has no run block %q, options are %q", name, f.Names)
	}
	copied := *options
	return &copied, nil
}

// Has returns whether the file has a run block with the given name.
func (f *File) Has(name string) bool {
	return slices.Contains(f.Names, name)
}
