// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape: the DType and dimensions of an engine binding or a parameter buffer.
//
// By convention the leading axis (axis 0) is the batch axis: engines are built for a maximum batch
// size, and the batch size of an execution is read from the leading dimension of its bindings.
//
// Example: a batch of 8 feature vectors of 16 float32 values has shape `(Float32)[8 16]`,
// created with `shapes.Make(dtypes.Float32, 8, 16)`.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/xrt/pkg/core/dtypes"
	"golang.org/x/exp/constraints"
)

// BatchAxis is the axis holding the batch dimension.
const BatchAxis = 0

// Shape of a buffer: its DType and its dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
func Make[T constraints.Integer](dtype dtypes.DType, dimensions ...T) Shape {
	s := Shape{DType: dtype, Dimensions: make([]int, len(dimensions))}
	for ii, dim := range dimensions {
		s.Dimensions[ii] = int(dim)
	}
	return s
}

// Scalar returns a scalar Shape for the given type.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Ok returns whether this is a valid Shape: a supported DType and no negative dimensions.
func (s Shape) Ok() bool {
	if !s.DType.IsSupported() {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes are counted from the end.
// It panics if the axis is out of range.
func (s Shape) Dim(axis int) int {
	if axis < 0 {
		axis += s.Rank()
	}
	if axis < 0 || axis >= s.Rank() {
		panic(fmt.Sprintf("shapes.Dim(%d) out of range for shape %s", axis, s))
	}
	return s.Dimensions[axis]
}

// BatchSize returns the leading dimension. Scalars are considered a batch of 1.
func (s Shape) BatchSize() int {
	if s.Rank() == 0 {
		return 1
	}
	return s.Dimensions[BatchAxis]
}

// WithBatchSize returns a copy of the shape with the leading dimension replaced.
// Scalars are returned unchanged.
func (s Shape) WithBatchSize(batchSize int) Shape {
	s2 := s.Clone()
	if s2.Rank() > 0 {
		s2.Dimensions[BatchAxis] = batchSize
	}
	return s2
}

// PerExample returns the shape without the batch axis.
func (s Shape) PerExample() Shape {
	if s.Rank() == 0 {
		return s.Clone()
	}
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions[1:])}
}

// Size returns the number of elements (not bytes) of the shape.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes used to store a buffer with this shape.
func (s Shape) Memory() int {
	return s.Size() * s.DType.Size()
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}
