// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the data types of engine bindings.
//
// The values are aligned with GoMLX dtypes (themselves aligned with PJRT), restricted to the types
// that an inference engine binding can hold.
package dtypes

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum represents the data type of a buffer or a scalar.
type DType int32

const (
	InvalidDType DType = 0
	Bool         DType = 1
	Int8         DType = 2
	Int32        DType = 4
	Int64        DType = 5
	Uint8        DType = 6
	Float16      DType = 10
	Float32      DType = 11
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Float16:      "Float16",
	Float32:      "Float32",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// FromString returns the DType with the given name (case-insensitive).
func FromString(name string) (DType, error) {
	for dtype, dtypeName := range dtypeNames {
		if dtype != InvalidDType && strings.EqualFold(name, dtypeName) {
			return dtype, nil
		}
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// Supported lists the Go types that map to a DType.
type Supported interface {
	bool | int8 | int32 | int64 | uint8 | float16.Float16 | float32
}

// FromGenericsType returns the DType enum for the given type.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	}
	return InvalidDType
}

// Size returns the number of bytes for the given DType, or 0 for invalid dtypes.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Float16:
		return 2
	case Int32, Float32:
		return 4
	case Int64:
		return 8
	}
	return 0
}

// IsFloat returns whether dtype is a supported float.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32
}

// IsSupported returns whether dtype is a valid, known DType.
func (dtype DType) IsSupported() bool {
	return dtype != InvalidDType && dtype.Size() > 0
}
