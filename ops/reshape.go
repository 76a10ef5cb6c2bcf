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

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// ReplaceDims reinterprets a consecutive run of axes of x as a different axis
// decomposition, without moving data: the old axes are replaced, in place in the
// canonical order, by the new ones. The products of the old and new sizes must
// match -- this is the runtime-checked factorization invariant.
//
// The old axes must appear in x exactly as given (names, sizes and order) and be
// contiguous in x's canonical axis order. Typical uses: splitting a flat "length"
// axis into (num_blocks, block_length) and merging it back, or splitting a fused
// heads axis back into its factors.
func ReplaceDims(x *tensors.Tensor, old, new []dims.Dimension) *tensors.Tensor {
	if len(old) == 0 {
		Panicf("ops.ReplaceDims: no axes to replace in shape %s", x.Shape())
	}
	oldSize, newSize := 1, 1
	for _, d := range old {
		oldSize *= d.Size
	}
	for _, d := range new {
		newSize *= d.Size
	}
	if oldSize != newSize {
		Panicf("ops.ReplaceDims: size mismatch, replaced axes %v have %d elements, new axes %v have %d",
			old, oldSize, new, newSize)
	}
	shape := x.Shape()
	start := shape.IndexOf(old[0].Name)
	if start < 0 {
		Panicf("ops.ReplaceDims: axis %s not present in shape %s", old[0], shape)
	}
	if start+len(old) > shape.Rank() {
		Panicf("ops.ReplaceDims: axes %v not contiguous in shape %s", old, shape)
	}
	for ii, d := range old {
		if shape.Dimensions[start+ii] != d {
			Panicf("ops.ReplaceDims: expected axis %s at position %d of shape %s, found %s",
				d, start+ii, shape, shape.Dimensions[start+ii])
		}
	}
	newDims := make([]dims.Dimension, 0, shape.Rank()-len(old)+len(new))
	newDims = append(newDims, shape.Dimensions[:start]...)
	newDims = append(newDims, new...)
	newDims = append(newDims, shape.Dimensions[start+len(old):]...)
	return x.WithShape(dims.Make(newDims...))
}

// ReplaceDim replaces a single axis by the given decomposition. Shortcut for
// ReplaceDims with a single old axis.
func ReplaceDim(x *tensors.Tensor, old dims.Dimension, new ...dims.Dimension) *tensors.Tensor {
	return ReplaceDims(x, []dims.Dimension{old}, new)
}

// MergeDims replaces the given consecutive axes by their dims.Combine fusion.
// Inverse of SplitDim.
func MergeDims(x *tensors.Tensor, axes []dims.Dimension) *tensors.Tensor {
	return ReplaceDims(x, axes, []dims.Dimension{dims.Combine(axes)})
}

// SplitDim splits a fused axis back into its original factors, the inverse of
// MergeDims: the fused axis must be named after factors[0] and sized as the product
// of the factors.
func SplitDim(x *tensors.Tensor, factors []dims.Dimension) *tensors.Tensor {
	return ReplaceDims(x, []dims.Dimension{dims.Combine(factors)}, factors)
}

// Transpose returns x with its data laid out in the axis order of the given shape,
// which must contain exactly x's dimensions. A no-op copy if the order already
// matches.
func Transpose(x *tensors.Tensor, newShape dims.Shape) *tensors.Tensor {
	if !newShape.EqualUnordered(x.Shape()) {
		Panicf("ops.Transpose: target shape %s is not a permutation of x shape %s", newShape, x.Shape())
	}
	if newShape.Equal(x.Shape()) {
		return x.Clone()
	}
	out := tensors.FromShape(x.DType(), newShape)
	strides := [][]int{
		newShape.Strides(),
		broadcastStrides(newShape, x.Shape()),
	}
	switch flatX := x.FlatAny().(type) {
	case []bool:
		transposeKernel(newShape, strides, tensors.MutableFlatData[bool](out), flatX)
	case []int32:
		transposeKernel(newShape, strides, tensors.MutableFlatData[int32](out), flatX)
	case []float32:
		transposeKernel(newShape, strides, tensors.MutableFlatData[float32](out), flatX)
	case []float64:
		transposeKernel(newShape, strides, tensors.MutableFlatData[float64](out), flatX)
	default:
		// Remaining dtype is float16.
		iterate(newShape, strides, func(offsets []int) {
			out.SetFloatAt(offsets[0], x.FloatAt(offsets[1]))
		})
	}
	return out
}

func transposeKernel[T any](shape dims.Shape, strides [][]int, flatOut, flatX []T) {
	iterate(shape, strides, func(offsets []int) {
		flatOut[offsets[0]] = flatX[offsets[1]]
	})
}
