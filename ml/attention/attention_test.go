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

package attention

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r0king/mesh/mesh"
	"github.com/r0king/mesh/ops"
	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

var (
	lengthDim = dims.D("length", 2)
	memoryDim = dims.D("memory_length", 3)
	keyDim    = dims.D("d_k", 2)
	valueDim  = dims.D("d_v", 1)
)

func TestAttentionSingleMemoryPosition(t *testing.T) {
	// With a single key/value pair the softmax weight is 1, so the output is v
	// broadcast over the query positions.
	memory1 := dims.D("memory_length", 1)
	q := tensors.FromFlatData(dims.Make(lengthDim, keyDim), []float64{1, 2, -3, 0.5})
	k := tensors.FromFlatData(dims.Make(memory1, keyDim), []float64{0.1, -0.7})
	v := tensors.FromFlatData(dims.Make(memory1, dims.D("d_v", 3)), []float64{10, 20, 30})

	got := Attention(q, k, v, memory1, keyDim, dims.D("d_v", 3)).Done()
	require.Equal(t, dims.Make(lengthDim, dims.D("d_v", 3)), got.Shape())
	require.Equal(t, []float64{10, 20, 30, 10, 20, 30}, tensors.CopyFlatData[float64](got))
}

func TestAttentionUniformWeights(t *testing.T) {
	// Zero queries give zero logits, so the output is the mean of the values.
	q := ops.Zeros(dtypes.Float64, dims.Make(lengthDim, keyDim))
	k := tensors.FromFlatData(dims.Make(memoryDim, keyDim), []float64{1, 2, 3, 4, 5, 6})
	v := tensors.FromFlatData(dims.Make(memoryDim, valueDim), []float64{3, 6, 9})

	got := Attention(q, k, v, memoryDim, keyDim, valueDim).Done()
	require.Equal(t, dims.Make(lengthDim, valueDim), got.Shape())
	for ii := 0; ii < got.Size(); ii++ {
		assert.InDelta(t, 6.0, got.FloatAt(ii), 1e-12)
	}
}

func TestAttentionOutputShape(t *testing.T) {
	batch := dims.D("batch", 2)
	heads := dims.D("heads", 3)
	q := ops.Zeros(dtypes.Float32, dims.Make(batch, heads, lengthDim, keyDim))
	k := ops.Zeros(dtypes.Float32, dims.Make(batch, heads, memoryDim, keyDim))
	v := ops.Zeros(dtypes.Float32, dims.Make(batch, heads, memoryDim, valueDim))

	got := Attention(q, k, v, memoryDim, keyDim, valueDim).Done()
	require.Equal(t, q.Shape().Sub(keyDim).Add(valueDim), got.Shape())
}

func TestAttentionWithBias(t *testing.T) {
	q := ops.Zeros(dtypes.Float64, dims.Make(lengthDim, keyDim))
	k := ops.Zeros(dtypes.Float64, dims.Make(memoryDim, keyDim))
	v := tensors.FromFlatData(dims.Make(memoryDim, valueDim), []float64{3, 6, 9})

	// Mask out all but the first memory position.
	visible := tensors.FromFlatData(dims.Make(memoryDim), []bool{true, false, false})
	bias := VisibilityMaskToAttentionBias(visible, dtypes.Float64)

	got := Attention(q, k, v, memoryDim, keyDim, valueDim).WithBias(bias).Done()
	for ii := 0; ii < got.Size(); ii++ {
		assert.InDelta(t, 3.0, got.FloatAt(ii), 1e-12)
	}
}

func TestAttentionExtraLogit(t *testing.T) {
	// A zero extra logit joins the normalizer as an "attend to nothing" escape:
	// with zero logits the weights become 1/(M+1) and the output shrinks.
	q := ops.Zeros(dtypes.Float64, dims.Make(lengthDim, keyDim))
	k := ops.Zeros(dtypes.Float64, dims.Make(memoryDim, keyDim))
	v := tensors.FromFlatData(dims.Make(memoryDim, valueDim), []float64{4, 4, 4})

	got := Attention(q, k, v, memoryDim, keyDim, valueDim).WithExtraLogit(0).Done()
	for ii := 0; ii < got.Size(); ii++ {
		assert.InDelta(t, 4.0*3.0/4.0, got.FloatAt(ii), 1e-12)
	}
}

func TestAttentionDropout(t *testing.T) {
	q := ops.Zeros(dtypes.Float64, dims.Make(lengthDim, keyDim))
	k := ops.Zeros(dtypes.Float64, dims.Make(memoryDim, keyDim))
	v := ops.Ones(dtypes.Float64, dims.Make(memoryDim, valueDim))

	// Without dropout the output is exactly 1 everywhere; with it some weights
	// are zeroed and the rest rescaled, so outputs differ from 1.
	got := Attention(q, k, v, memoryDim, keyDim, valueDim).
		WithDropout(0.5).
		WithRand(rand.New(rand.NewSource(3))).
		Done()
	require.Equal(t, dims.Make(lengthDim, valueDim), got.Shape())
	changed := false
	for ii := 0; ii < got.Size(); ii++ {
		if got.FloatAt(ii) != 1.0 {
			changed = true
		}
	}
	require.True(t, changed)

	require.Panics(t, func() {
		Attention(q, k, v, memoryDim, keyDim, valueDim).WithDropout(1.0)
	})
}

func TestAttentionShapeValidation(t *testing.T) {
	q := ops.Zeros(dtypes.Float64, dims.Make(lengthDim, keyDim))
	k := ops.Zeros(dtypes.Float64, dims.Make(memoryDim, keyDim))
	v := ops.Zeros(dtypes.Float64, dims.Make(memoryDim, valueDim))

	require.Panics(t, func() { // q missing the key axis
		Attention(ops.Zeros(dtypes.Float64, dims.Make(lengthDim)), k, v, memoryDim, keyDim, valueDim)
	})
	require.Panics(t, func() { // k missing the memory length axis
		Attention(q, ops.Zeros(dtypes.Float64, dims.Make(keyDim)), v, memoryDim, keyDim, valueDim)
	})
	require.Panics(t, func() { // v missing the value axis
		Attention(q, k, ops.Zeros(dtypes.Float64, dims.Make(memoryDim)), memoryDim, keyDim, valueDim)
	})
}

func TestVisibilityMaskToAttentionBias(t *testing.T) {
	visible := tensors.FromFlatData(dims.Make(dims.D("x", 3)), []bool{true, false, true})

	bias := VisibilityMaskToAttentionBias(visible, dtypes.Float64)
	require.Equal(t, dtypes.Float64, bias.DType())
	require.Equal(t, []float64{0, -1e9, 0}, tensors.CopyFlatData[float64](bias))

	// Float16 uses a smaller constant that stays finite in half precision.
	bias16 := VisibilityMaskToAttentionBias(visible, dtypes.Float16)
	require.Equal(t, dtypes.Float16, bias16.DType())
	require.Equal(t, 0.0, bias16.FloatAt(0))
	require.Equal(t, -1e4, bias16.FloatAt(1))

	require.Panics(t, func() {
		VisibilityMaskToAttentionBias(ops.Zeros(dtypes.Float32, dims.Make(dims.D("x", 3))), dtypes.Float32)
	})
}

func TestHybridAttention(t *testing.T) {
	m := mesh.New("test")
	// Hybrid attention needs the query length axis named "length", sized like
	// the memory length.
	queryDim := dims.D("length", 3)
	q := ops.Zeros(dtypes.Float64, dims.Make(queryDim, keyDim))
	k := ops.Zeros(dtypes.Float64, dims.Make(memoryDim, keyDim))
	v := tensors.FromFlatData(dims.Make(memoryDim, valueDim), []float64{3, 6, 9})

	got := HybridAttention(m, q, k, v, memoryDim, keyDim, valueDim).Done()
	require.Equal(t, dims.Make(queryDim, valueDim), got.Shape())
	// With uniform logits both normalizations are uniform, whatever the mixing
	// coefficient: the output is the mean of the values.
	for ii := 0; ii < got.Size(); ii++ {
		assert.InDelta(t, 6.0, got.FloatAt(ii), 1e-12)
	}

	// The mixing coefficient lives on the mesh, initialized to 0.5.
	coeff := m.InspectVariable("doubly_coeff")
	require.NotNil(t, coeff)
	require.Equal(t, 0.5, tensors.ToScalar[float64](coeff.Value()))

	// The stored value is unclamped; reads clamp it into [0, 1], so an
	// out-of-range coefficient still yields a convex mix.
	coeff.SetValue(tensors.FromScalar(7.5))
	got = HybridAttention(m, q, k, v, memoryDim, keyDim, valueDim).Done()
	for ii := 0; ii < got.Size(); ii++ {
		assert.InDelta(t, 6.0, got.FloatAt(ii), 1e-12)
	}

	// A second layer needs its own coefficient name.
	HybridAttention(m, q, k, v, memoryDim, keyDim, valueDim).WithName("layer2/doubly_coeff").Done()
	require.NotNil(t, m.InspectVariable("layer2/doubly_coeff"))
	require.Equal(t, 2, m.NumVariables())
}
