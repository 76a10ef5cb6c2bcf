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

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

func TestEinsumMatmul(t *testing.T) {
	i := dims.D("i", 2)
	k := dims.D("k", 3)
	j := dims.D("j", 2)
	a := tensors.FromFlatData(dims.Make(i, k), []float64{
		1, 2, 3,
		4, 5, 6,
	})
	b := tensors.FromFlatData(dims.Make(k, j), []float64{
		1, 0,
		0, 1,
		1, 1,
	})
	got := Einsum(a, b, k)
	require.Equal(t, dims.Make(i, j), got.Shape())
	require.Equal(t, []float64{
		4, 5,
		10, 11,
	}, tensors.CopyFlatData[float64](got))
}

func TestEinsumSharedBatchAxis(t *testing.T) {
	// Shared non-reduced axes match by name instead of being summed.
	batch := dims.D("batch", 2)
	k := dims.D("k", 2)
	a := tensors.FromFlatData(dims.Make(batch, k), []float64{
		1, 2,
		3, 4,
	})
	b := tensors.FromFlatData(dims.Make(batch, k), []float64{
		10, 100,
		10, 100,
	})
	got := Einsum(a, b, k)
	require.Equal(t, dims.Make(batch), got.Shape())
	require.Equal(t, []float64{210, 430}, tensors.CopyFlatData[float64](got))
}

func TestEinsumNoReduction(t *testing.T) {
	// With nothing to reduce, einsum is a broadcast outer product.
	i := dims.D("i", 2)
	j := dims.D("j", 3)
	a := tensors.FromFlatData(dims.Make(i), []float64{2, 3})
	b := tensors.FromFlatData(dims.Make(j), []float64{1, 10, 100})
	got := Einsum(a, b)
	require.Equal(t, dims.Make(i, j), got.Shape())
	require.Equal(t, []float64{2, 20, 200, 3, 30, 300}, tensors.CopyFlatData[float64](got))
}

func TestEinsumShaped(t *testing.T) {
	i := dims.D("i", 2)
	k := dims.D("k", 3)
	j := dims.D("j", 2)
	a := tensors.FromFlatData(dims.Make(i, k), []float32{
		1, 2, 3,
		4, 5, 6,
	})
	b := tensors.FromFlatData(dims.Make(k, j), []float32{
		1, 0,
		0, 1,
		1, 1,
	})

	// The output shape both selects the reduced axes (whatever is absent gets
	// summed) and fixes the layout.
	got := EinsumShaped(a, b, dims.Make(j, i))
	require.Equal(t, dims.Make(j, i), got.Shape())
	require.Equal(t, []float32{
		4, 10,
		5, 11,
	}, tensors.CopyFlatData[float32](got))

	// Reducing every axis of one side gives a full contraction.
	sum := EinsumShaped(a, Ones(a.DType(), a.Shape()), dims.Scalar())
	require.Equal(t, float32(21), tensors.ToScalar[float32](sum))
}

func TestEinsumAttentionShapes(t *testing.T) {
	// The attention logits contraction: q x k reducing the key axis.
	batch := dims.D("batch", 2)
	length := dims.D("length", 4)
	memory := dims.D("memory_length", 4)
	key := dims.D("d_k", 8)
	q := Ones(dtypes.Float64, dims.Make(batch, length, key))
	k := Ones(dtypes.Float64, dims.Make(batch, memory, key))
	logits := Einsum(q, k, key)
	require.Equal(t, dims.Make(batch, length, memory), logits.Shape())
	// All-ones inputs: every logit is the key size.
	for ii := 0; ii < logits.Size(); ii++ {
		require.Equal(t, float64(key.Size), logits.FloatAt(ii))
	}
}
