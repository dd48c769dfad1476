/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package bucketing provides strategies to round up the batch capacity of compiled engines.
//
// An engine is built for a maximum batch size, and it has to be rebuilt when a larger batch
// arrives. Rounding the capacity up (e.g. to the next power of 2) trades some workspace memory
// for fewer rebuilds when batch sizes grow slowly.
//
// # Available Strategies
//
//   - None: No bucketing, the capacity is exactly the requested batch size.
//   - Pow2: Rounds to the next power of 2 (1,2,4,8,16,32,...)
//   - Linear: Rounds to multiples of a step size (8,16,24,32,...)
//   - Exponential: Rounds to powers of a base (e.g., 1.4^n for n=1,2,3,...)
//
// Strategies can be given as strings in configuration files, see Parse.
package bucketing

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Strategy defines how to round up a batch capacity.
//
// Implementations should:
//   - Return the input unchanged for non-positive values.
//   - Return a value >= the input (never shrink).
//   - Be deterministic (same input always produces same output).
type Strategy interface {
	// Bucket returns the bucketed value for a batch size.
	Bucket(batchSize int) int
}

// Apply returns strategy.Bucket(batchSize), or batchSize if strategy is nil.
// The result is never smaller than batchSize.
func Apply(strategy Strategy, batchSize int) int {
	if strategy == nil || batchSize <= 0 {
		return batchSize
	}
	return max(batchSize, strategy.Bucket(batchSize))
}

// Pow2Strategy rounds batch sizes up to the nearest power of 2.
//
// Example mappings: 1→1, 2→2, 3→4, 4→4, 5→8, 9→16, 17→32
type Pow2Strategy struct{}

// Pow2 returns a power-of-2 bucketing strategy.
func Pow2() Strategy {
	return Pow2Strategy{}
}

// Bucket implements Strategy for Pow2Strategy.
func (Pow2Strategy) Bucket(dim int) int {
	if dim <= 1 {
		return dim
	}
	v := uint(dim - 1)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return int(v + 1)
}

// String implements fmt.Stringer.
func (Pow2Strategy) String() string { return "pow2" }

// LinearStrategy rounds batch sizes to multiples of a step size.
//
// Example with step=8: 1→8, 8→8, 9→16, 16→16, 17→24
type LinearStrategy struct {
	Step int
}

// Linear returns a linear bucketing strategy with the given step size.
func Linear(step int) Strategy {
	if step <= 0 {
		step = 1
	}
	return LinearStrategy{Step: step}
}

// Bucket implements Strategy for LinearStrategy.
func (b LinearStrategy) Bucket(dim int) int {
	if dim <= 0 {
		return dim
	}
	return ((dim + b.Step - 1) / b.Step) * b.Step
}

// String implements fmt.Stringer.
func (b LinearStrategy) String() string { return fmt.Sprintf("linear:%d", b.Step) }

// ExponentialStrategy rounds batch sizes to the nearest power of a base value.
//
// Example with base=1.4:
//
//	1→1, 2→2, 3→3, 4→4, 5→6, 7→8, 9→11, 12→15, 16→21, 22→29, ...
type ExponentialStrategy struct {
	Base float64
}

// Exponential returns an exponential bucketing strategy with the given base.
// For base=2.0, this is equivalent to Pow2. Invalid bases (<= 1, NaN or infinite) default to 2.
func Exponential(base float64) Strategy {
	if !validBase(base) {
		base = 2.0
	}
	return ExponentialStrategy{Base: base}
}

func validBase(base float64) bool {
	return base > 1.0 && !math.IsInf(base, 1)
}

// Bucket implements Strategy for ExponentialStrategy.
//
// If base^n doesn't fit an int, dim is returned unchanged.
func (b ExponentialStrategy) Bucket(dim int) int {
	if dim <= 1 || !validBase(b.Base) {
		return dim
	}
	// Smallest base^n >= dim: n = ceil(ln(dim) / ln(base)).
	logBase := math.Log(b.Base)
	power := math.Ceil(math.Log(float64(dim)) / logBase)
	for {
		result := math.Ceil(math.Pow(b.Base, power))
		if result >= math.MaxInt {
			return dim
		}
		if int(result) >= dim {
			return int(result)
		}
		power++
	}
}

// String implements fmt.Stringer.
func (b ExponentialStrategy) String() string {
	return "exponential:" + strconv.FormatFloat(b.Base, 'g', -1, 64)
}

// NoneStrategy returns batch sizes unchanged.
type NoneStrategy struct{}

// None returns a no-op bucketing strategy.
func None() Strategy {
	return NoneStrategy{}
}

// Bucket implements Strategy for NoneStrategy.
func (NoneStrategy) Bucket(dim int) int {
	return dim
}

// String implements fmt.Stringer.
func (NoneStrategy) String() string { return "none" }

// Parse a strategy description: "none" (or ""), "pow2", "linear:<step>" or "exponential:<base>".
func Parse(description string) (Strategy, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(strings.ToLower(description)), ":")
	switch name {
	case "", "none":
		return None(), nil
	case "pow2":
		return Pow2(), nil
	case "linear":
		if !hasArg {
			return nil, errors.Errorf("bucketing strategy %q requires a step, e.g. \"linear:8\"", description)
		}
		step, err := strconv.Atoi(arg)
		if err != nil || step <= 0 {
			return nil, errors.Errorf("invalid step in bucketing strategy %q", description)
		}
		return Linear(step), nil
	case "exponential":
		if !hasArg {
			return nil, errors.Errorf("bucketing strategy %q requires a base, e.g. \"exponential:1.4\"", description)
		}
		base, err := strconv.ParseFloat(arg, 64)
		if err != nil || !validBase(base) {
			return nil, errors.Errorf("invalid base in bucketing strategy %q", description)
		}
		return Exponential(base), nil
	}
	return nil, errors.Errorf("unknown bucketing strategy %q", description)
}
