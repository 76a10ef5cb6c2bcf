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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

func TestReplaceDims(t *testing.T) {
	length := dims.D("length", 6)
	numBlocks := dims.D("length", 3) // blocks axis reuses the length axis name
	block := dims.D("block_length", 2)
	x := tensors.FromFlatData(dims.Make(batch2, length), []int32{
		0, 1, 2, 3, 4, 5,
		10, 11, 12, 13, 14, 15,
	})

	blocked := ReplaceDim(x, length, numBlocks, block)
	require.Equal(t, dims.Make(batch2, numBlocks, block), blocked.Shape())
	// Zero copy: same data, new axis decomposition.
	require.Equal(t, tensors.ConstFlatData[int32](x), tensors.ConstFlatData[int32](blocked))

	// Round-trip back to the flat axis.
	flat := ReplaceDims(blocked, []dims.Dimension{numBlocks, block}, []dims.Dimension{length})
	require.Equal(t, x.Shape(), flat.Shape())

	require.Panics(t, func() { // product mismatch
		ReplaceDim(x, length, numBlocks, dims.D("block_length", 4))
	})
	require.Panics(t, func() { // axis not present
		ReplaceDim(x, dims.D("memory", 6), numBlocks, block)
	})
	require.Panics(t, func() { // axes not contiguous in x
		ReplaceDims(x, []dims.Dimension{length, batch2}, []dims.Dimension{dims.D("fused", 12)})
	})
}

func TestMergeAndSplitDims(t *testing.T) {
	heads := dims.D("heads", 2)
	key := dims.D("d_k", 3)
	x := tensors.FromFlatData(dims.Make(batch2, heads, key), []float32{
		0, 1, 2, 3, 4, 5,
		6, 7, 8, 9, 10, 11,
	})

	fused := MergeDims(x, []dims.Dimension{heads, key})
	require.Equal(t, dims.Make(batch2, dims.D("heads", 6)), fused.Shape())

	split := SplitDim(fused, []dims.Dimension{heads, key})
	require.Equal(t, x.Shape(), split.Shape())
	require.True(t, x.Equal(split.Clone()))
}

func TestTranspose(t *testing.T) {
	row := dims.D("row", 2)
	col := dims.D("col", 3)
	x := tensors.FromFlatData(dims.Make(row, col), []float64{
		1, 2, 3,
		4, 5, 6,
	})
	got := Transpose(x, dims.Make(col, row))
	require.Equal(t, dims.Make(col, row), got.Shape())
	require.Equal(t, []float64{
		1, 4,
		2, 5,
		3, 6,
	}, tensors.CopyFlatData[float64](got))

	// Same order is a copy.
	same := Transpose(x, x.Shape())
	require.True(t, x.Equal(same))
	tensors.MutableFlatData[float64](same)[0] = 100
	require.Equal(t, 1.0, tensors.ConstFlatData[float64](x)[0])

	require.Panics(t, func() { Transpose(x, dims.Make(col, dims.D("other", 2))) })
}

func TestTransposeRank3(t *testing.T) {
	a := dims.D("a", 2)
	b := dims.D("b", 2)
	c := dims.D("c", 2)
	x := tensors.FromFlatData(dims.Make(a, b, c), []float32{0, 1, 2, 3, 4, 5, 6, 7})
	got := Transpose(x, dims.Make(c, a, b))
	// Element (c,a,b) reads x at (a,b,c).
	require.Equal(t, []float32{0, 2, 4, 6, 1, 3, 5, 7}, tensors.CopyFlatData[float32](got))
}
