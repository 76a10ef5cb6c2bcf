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
	"github.com/x448/float16"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// HaloExchange widens each block of x with `radius` neighboring positions on both
// sides, read from the adjacent blocks. Positions beyond the first and last block
// are zero-filled.
//
// x must contain blocksDim and, immediately after it, blockDim. The result keeps
// blockDim's name with size blockDim.Size + 2*radius.
//
// This is the one operation with cross-shard data movement: an external placement
// runtime implements it with collective communication between the shards holding
// neighboring blocks. This in-process version provides the same "logically
// contiguous neighbor slice" semantics on host memory.
func HaloExchange(x *tensors.Tensor, blocksDim, blockDim dims.Dimension, radius int) *tensors.Tensor {
	return haloExchange(x, blocksDim, blockDim, radius, radius)
}

// LeftHaloExchange widens each block of x with `radius` neighboring positions on
// the left only, for fully-autoregressive attention where blocks never look ahead.
// See HaloExchange.
func LeftHaloExchange(x *tensors.Tensor, blocksDim, blockDim dims.Dimension, radius int) *tensors.Tensor {
	return haloExchange(x, blocksDim, blockDim, radius, 0)
}

func haloExchange(x *tensors.Tensor, blocksDim, blockDim dims.Dimension, left, right int) *tensors.Tensor {
	if left < 0 || right < 0 {
		Panicf("ops: halo exchange radius cannot be negative, got left=%d right=%d", left, right)
	}
	shape := x.Shape()
	blocksAxis := shape.IndexOf(blocksDim.Name)
	if blocksAxis < 0 || shape.Dimensions[blocksAxis] != blocksDim {
		Panicf("ops: halo exchange blocks axis %s not present in shape %s", blocksDim, shape)
	}
	blockAxis := blocksAxis + 1
	if blockAxis >= shape.Rank() || shape.Dimensions[blockAxis] != blockDim {
		Panicf("ops: halo exchange block axis %s must immediately follow %s in shape %s",
			blockDim, blocksDim, shape)
	}
	if left == 0 && right == 0 {
		return x.Clone()
	}

	paddedDim := dims.D(blockDim.Name, left+blockDim.Size+right)
	outShape := shape.Clone()
	outShape.Dimensions[blockAxis] = paddedDim

	out := tensors.FromShape(x.DType(), outShape)
	switch flatX := x.FlatAny().(type) {
	case []bool:
		haloKernel(out, x, blocksAxis, left, tensors.MutableFlatData[bool](out), flatX)
	case []int32:
		haloKernel(out, x, blocksAxis, left, tensors.MutableFlatData[int32](out), flatX)
	case []float16.Float16:
		haloKernel(out, x, blocksAxis, left, tensors.MutableFlatData[float16.Float16](out), flatX)
	case []float32:
		haloKernel(out, x, blocksAxis, left, tensors.MutableFlatData[float32](out), flatX)
	case []float64:
		haloKernel(out, x, blocksAxis, left, tensors.MutableFlatData[float64](out), flatX)
	}
	return out
}

// haloKernel fills the padded blocks. For each output position within a padded
// block it resolves the source (block, offset) pair; out-of-range sources keep the
// zero value.
func haloKernel[T any](out, x *tensors.Tensor, blocksAxis, left int, flatOut, flatX []T) {
	outShape := out.Shape()
	blockAxis := blocksAxis + 1
	numBlocks := outShape.Dimensions[blocksAxis].Size
	paddedLen := outShape.Dimensions[blockAxis].Size
	blockLen := x.Shape().Dimensions[blockAxis].Size

	outStrides := outShape.Strides()
	xStrides := x.Shape().Strides()

	// Iterate over all axes except the block-offset one; then walk the padded
	// block, copying from the resolved neighbor block.
	lanes(outShape, blockAxis, func(outBase int) {
		// Recover the block index from the flat offset.
		block := outBase / outStrides[blocksAxis] % numBlocks
		xBase := 0
		for axis, stride := range outStrides {
			if axis == blockAxis {
				continue
			}
			idx := outBase / stride % outShape.Dimensions[axis].Size
			xBase += idx * xStrides[axis]
		}
		for off := 0; off < paddedLen; off++ {
			// Resolve the absolute position along the original flat axis; a
			// halo wider than a block reaches across several blocks.
			pos := block*blockLen + off - left
			if pos < 0 || pos >= numBlocks*blockLen {
				continue // Zero padding at the sequence ends.
			}
			srcBlock, srcOff := pos/blockLen, pos%blockLen
			srcFlat := xBase + (srcBlock-block)*xStrides[blocksAxis] + srcOff*xStrides[blockAxis]
			flatOut[outBase+off*outStrides[blockAxis]] = flatX[srcFlat]
		}
	})
}
