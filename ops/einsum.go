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

package ops

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"gonum.org/v1/gonum/floats"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// Einsum contracts two tensors over the given reduced dimensions: the result shape
// is the union of both operand shapes minus the reduced dimensions, and each result
// element is the sum over the reduced dimensions of a*b.
//
// Axes are matched by name: same-named axes of a and b must agree in size. This is
// the named-axis equivalent of a positional einsum equation, with the equation
// implied by the axis names.
func Einsum(a, b *tensors.Tensor, reduced ...dims.Dimension) *tensors.Tensor {
	outShape := unionShape(a, b).Sub(reduced...)
	return EinsumShaped(a, b, outShape)
}

// EinsumShaped contracts two tensors into the given output shape: any axis present
// in an operand but not in outShape is summed over. Use it when the desired output
// shape is known, e.g. `q.shape - key_dim + value_dim` for the attention output.
func EinsumShaped(a, b *tensors.Tensor, outShape dims.Shape) *tensors.Tensor {
	if a.DType() != b.DType() {
		Panicf("ops.EinsumShaped: operands dtypes differ: %s vs %s", a.DType(), b.DType())
	}
	union := unionShape(a, b)
	for _, d := range outShape.Dimensions {
		if !union.Has(d) {
			Panicf("ops.EinsumShaped: output axis %s not present in operands (%s and %s)",
				d, a.Shape(), b.Shape())
		}
	}
	summed := union.Sub(outShape.Dimensions...)

	switch a.DType() {
	case dtypes.Float32:
		return einsumKernel[float32](a, b, outShape, summed)
	case dtypes.Float64:
		return einsumKernel[float64](a, b, outShape, summed)
	case dtypes.Float16:
		// Contractions accumulate in float32.
		out := einsumKernel[float32](Cast(a, dtypes.Float32), Cast(b, dtypes.Float32), outShape, summed)
		return Cast(out, dtypes.Float16)
	}
	Panicf("ops.EinsumShaped: dtype %s not supported", a.DType())
	return nil
}

func einsumKernel[T float32 | float64](a, b *tensors.Tensor, outShape, summed dims.Shape) *tensors.Tensor {
	out := tensors.FromShape(a.DType(), outShape)
	flatA := tensors.ConstFlatData[T](a)
	flatB := tensors.ConstFlatData[T](b)
	flatOut := tensors.MutableFlatData[T](out)

	// Fast path: a single contracted axis that is the last, contiguous axis of both
	// operands -- the common `dot(q, k)` layout.
	if summed.Rank() == 1 {
		d := summed.Dimensions[0]
		if a.Shape().IndexOf(d.Name) == a.Rank()-1 && b.Shape().IndexOf(d.Name) == b.Rank()-1 {
			n := d.Size
			strides := [][]int{
				outShape.Strides(),
				broadcastStrides(outShape, a.Shape().Sub(d)),
				broadcastStrides(outShape, b.Shape().Sub(d)),
			}
			iterate(outShape, strides, func(offsets []int) {
				baseA, baseB := offsets[1]*n, offsets[2]*n
				flatOut[offsets[0]] = dot(flatA[baseA:baseA+n], flatB[baseB:baseB+n])
			})
			return out
		}
	}

	iterShape := outShape.Add(summed.Dimensions...)
	strides := [][]int{
		broadcastStrides(iterShape, outShape),
		broadcastStrides(iterShape, a.Shape()),
		broadcastStrides(iterShape, b.Shape()),
	}
	iterate(iterShape, strides, func(offsets []int) {
		flatOut[offsets[0]] += flatA[offsets[1]] * flatB[offsets[2]]
	})
	return out
}

func dot[T float32 | float64](a, b []T) T {
	if a64, ok := any(a).([]float64); ok {
		return T(floats.Dot(a64, any(b).([]float64)))
	}
	var sum T
	for ii, v := range a {
		sum += v * b[ii]
	}
	return sum
}
