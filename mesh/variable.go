/*
 *	Copyright 2023 Jan Pfeifer
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

package mesh

import (
	"fmt"
	"math"
	"math/rand"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// Variable is a named parameter tensor owned by a Mesh. It is created once, at
// construction of the layer that owns it; the layers only ever read it.
type Variable struct {
	name  string
	value *tensors.Tensor
}

// Name of the variable within its Mesh.
func (v *Variable) Name() string { return v.name }

// Value returns the current value. Callers must not modify the returned tensor.
func (v *Variable) Value() *tensors.Tensor { return v.value }

// SetValue replaces the variable value. The new value must have the same dtype and
// shape. This is the entry point for external training updates and checkpoint
// restores.
func (v *Variable) SetValue(value *tensors.Tensor) {
	if value.DType() != v.value.DType() || !value.Shape().Equal(v.value.Shape()) {
		Panicf("Variable %q: SetValue with dtype=%s shape=%s, variable has dtype=%s shape=%s",
			v.name, value.DType(), value.Shape(), v.value.DType(), v.value.Shape())
	}
	v.value = value
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("Variable(%q, %s%s)", v.name, v.value.DType(), v.value.Shape())
}

// Initializer builds the initial value of a variable.
type Initializer func(rng *rand.Rand, dtype dtypes.DType, shape dims.Shape) *tensors.Tensor

// Zeros initializes a variable with zeroes.
func Zeros(_ *rand.Rand, dtype dtypes.DType, shape dims.Shape) *tensors.Tensor {
	return tensors.FromShape(dtype, shape)
}

// ConstantFn returns an initializer that fills the variable with the given value.
func ConstantFn(value float64) Initializer {
	return func(_ *rand.Rand, dtype dtypes.DType, shape dims.Shape) *tensors.Tensor {
		t := tensors.FromShape(dtype, shape)
		for ii := 0; ii < t.Size(); ii++ {
			t.SetFloatAt(ii, value)
		}
		return t
	}
}

// RandomNormalFn returns an initializer that draws each element from a normal
// distribution with mean 0 and the given standard deviation.
func RandomNormalFn(stddev float64) Initializer {
	if stddev <= 0 || math.IsNaN(stddev) {
		Panicf("mesh.RandomNormalFn: invalid stddev %g", stddev)
	}
	return func(rng *rand.Rand, dtype dtypes.DType, shape dims.Shape) *tensors.Tensor {
		if !dtype.IsFloat() {
			Panicf("mesh.RandomNormalFn: dtype %s is not a float", dtype)
		}
		t := tensors.FromShape(dtype, shape)
		for ii := 0; ii < t.Size(); ii++ {
			t.SetFloatAt(ii, rng.NormFloat64()*stddev)
		}
		return t
	}
}
