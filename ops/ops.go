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

// Package ops implements the tensor operations the attention layers are written
// against: einsum over named axes, numerically stable softmax, elementwise
// arithmetic and comparisons with name-based broadcasting, axis refactorization
// (ReplaceDims) and the halo-exchange primitives.
//
// All operations are eager and run on the host. Tensors are addressed by named
// axes (see types/dims): binary operations broadcast over the union of the operand
// shapes, matching axes by name, so the axis order of the operands never matters --
// only the result's canonical order does.
//
// Operations never modify their inputs; shape or dtype mismatches panic (see
// github.com/gomlx/exceptions to catch them as errors).
package ops

import (
	. "github.com/gomlx/exceptions"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// broadcastStrides returns, for each axis of iterShape, the element stride into a
// tensor of shape x: x's row-major stride where the axis is present in x, 0
// otherwise (the axis is broadcast).
//
// Every axis of x must be present in iterShape with the same size.
func broadcastStrides(iterShape, x dims.Shape) []int {
	for _, d := range x.Dimensions {
		if !iterShape.Has(d) {
			Panicf("ops: operand axis %s not present in iteration shape %s", d, iterShape)
		}
	}
	xStrides := x.Strides()
	strides := make([]int, iterShape.Rank())
	for axis, d := range iterShape.Dimensions {
		if idx := x.IndexOf(d.Name); idx >= 0 {
			strides[axis] = xStrides[idx]
		}
	}
	return strides
}

// iterate walks every element of iterShape in row-major order, maintaining one
// flat offset per given stride set, and calls fn with the current offsets.
//
// The offsets slice is reused between calls; fn must not retain it.
func iterate(iterShape dims.Shape, strides [][]int, fn func(offsets []int)) {
	rank := iterShape.Rank()
	sizes := iterShape.Sizes()
	offsets := make([]int, len(strides))
	if rank == 0 {
		fn(offsets)
		return
	}
	idx := make([]int, rank)
	for {
		fn(offsets)
		// Odometer increment, from the last axis.
		axis := rank - 1
		for axis >= 0 {
			idx[axis]++
			for oo := range strides {
				offsets[oo] += strides[oo][axis]
			}
			if idx[axis] < sizes[axis] {
				break
			}
			idx[axis] = 0
			for oo := range strides {
				offsets[oo] -= strides[oo][axis] * sizes[axis]
			}
			axis--
		}
		if axis < 0 {
			return
		}
	}
}

// lanes iterates over the base flat offsets of every lane of x along the given
// axis: fn is called once per combination of the other axes' indices, with the flat
// offset of the lane's first element. Elements within a lane are laneStride apart.
func lanes(shape dims.Shape, axis int, fn func(base int)) {
	reduced := dims.Shape{Dimensions: make([]dims.Dimension, 0, shape.Rank()-1)}
	strides := shape.Strides()
	reducedStrides := make([]int, 0, shape.Rank()-1)
	for ii, d := range shape.Dimensions {
		if ii == axis {
			continue
		}
		reduced.Dimensions = append(reduced.Dimensions, d)
		reducedStrides = append(reducedStrides, strides[ii])
	}
	iterate(reduced, [][]int{reducedStrides}, func(offsets []int) {
		fn(offsets[0])
	})
}

// unionShape returns the broadcast result shape of a binary operation: the union
// of both shapes, with a's axes first. Same-named axes must agree in size.
func unionShape(a, b *tensors.Tensor) dims.Shape {
	return a.Shape().Add(b.Shape().Dimensions...)
}
