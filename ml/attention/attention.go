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

// Package attention implements multi-head dot-product attention over
// named-dimension tensors: the plain and hybrid attention primitives, the
// AttentionParams projection bundle, and the memory-efficient LocalAttention1D
// variant that restricts attention to a bounded neighborhood of each position.
//
// All functions are pure transformations over tensors (aside from reading
// parameters from a mesh.Mesh): no state survives a call, and shape or
// configuration errors panic via github.com/gomlx/exceptions.
package attention

import (
	"math/rand"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/r0king/mesh/ops"
	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// DefaultDropoutSeed seeds the dropout random source when none is given with
// WithRand.
const DefaultDropoutSeed = int64(42)

// Builder configures a dot-product attention computation. Create it with
// Attention, set the optional parameters, and call Done.
type Builder struct {
	q, k, v                           *tensors.Tensor
	memoryLengthDim, keyDim, valueDim dims.Dimension
	bias                              *tensors.Tensor
	dropoutRate                       float64
	dropoutBroadcastDims              []dims.Dimension
	extraLogit                        []float64
	rng                               *rand.Rand
}

// Attention builds a dot-product attention computation -- it doesn't use
// positional dimensions.
//
// keyDim is the channels dimension of the queries and keys, valueDim the channels
// dimension of values, and memoryLengthDim distinguishes the different key/value
// pairs.
//
// Dimensions of q: other_query_dims + {keyDim}.
// Dimensions of k: other_memory_dims + {memoryLengthDim, keyDim}.
// Dimensions of v: other_memory_dims + {memoryLengthDim, valueDim}.
// other_memory_dims must be a subset of other_query_dims -- typically
// other_query_dims={batch, heads, length} and other_memory_dims={batch, heads}.
//
// Done returns a tensor with shape q.shape - keyDim + valueDim.
func Attention(q, k, v *tensors.Tensor, memoryLengthDim, keyDim, valueDim dims.Dimension) *Builder {
	if !q.Shape().Has(keyDim) {
		Panicf("attention: q (shape=%s) must have the key dimension %s", q.Shape(), keyDim)
	}
	if !k.Shape().Has(memoryLengthDim) || !k.Shape().Has(keyDim) {
		Panicf("attention: k (shape=%s) must have the memory length dimension %s and key dimension %s",
			k.Shape(), memoryLengthDim, keyDim)
	}
	if !v.Shape().Has(memoryLengthDim) || !v.Shape().Has(valueDim) {
		Panicf("attention: v (shape=%s) must have the memory length dimension %s and value dimension %s",
			v.Shape(), memoryLengthDim, valueDim)
	}
	return &Builder{
		q: q, k: k, v: v,
		memoryLengthDim: memoryLengthDim,
		keyDim:          keyDim,
		valueDim:        valueDim,
	}
}

// WithBias adds the given tensor to the attention logits before the softmax. Its
// axes must broadcast (by name) onto the logits shape. Use
// VisibilityMaskToAttentionBias to build one from a visibility mask.
func (b *Builder) WithBias(bias *tensors.Tensor) *Builder {
	b.bias = bias
	return b
}

// WithDropout zeroes attention weights with the given probability, rescaling the
// kept ones. broadcastDims lists axes over which the same noise is shared.
func (b *Builder) WithDropout(rate float64, broadcastDims ...dims.Dimension) *Builder {
	if rate < 0 || rate >= 1 {
		Panicf("attention: dropout rate %g outside [0, 1)", rate)
	}
	b.dropoutRate = rate
	b.dropoutBroadcastDims = broadcastDims
	return b
}

// WithExtraLogit adds one extra logit to the softmax normalizer -- e.g. a running
// normalizer or an "attend to nothing" escape logit.
func (b *Builder) WithExtraLogit(extraLogit float64) *Builder {
	b.extraLogit = []float64{extraLogit}
	return b
}

// WithRand sets the random source used for dropout. Defaults to a source seeded
// with DefaultDropoutSeed.
func (b *Builder) WithRand(rng *rand.Rand) *Builder {
	b.rng = rng
	return b
}

// Done runs the attention computation and returns a tensor with shape
// q.shape - keyDim + valueDim.
func (b *Builder) Done() *tensors.Tensor {
	logits := ops.Einsum(b.q, b.k, b.keyDim)
	if b.bias != nil {
		logits = ops.Add(logits, b.bias)
	}
	weights := ops.Softmax(logits, b.memoryLengthDim, b.extraLogit...)
	weights = b.applyDropout(weights)
	outputShape := b.q.Shape().Sub(b.keyDim).Add(b.valueDim)
	return ops.EinsumShaped(weights, b.v, outputShape)
}

func (b *Builder) applyDropout(weights *tensors.Tensor) *tensors.Tensor {
	if b.dropoutRate == 0 {
		return weights
	}
	rng := b.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(DefaultDropoutSeed))
	}
	noiseShape := weights.Shape().Sub(b.dropoutBroadcastDims...)
	return ops.Dropout(weights, b.dropoutRate, noiseShape, rng)
}

// VisibilityMaskToAttentionBias converts a boolean visibility mask to an additive
// attention bias: 0 where visible, a large negative value where not, so that
// masked positions get ~0 probability after the softmax.
//
// The masking constant depends on the dtype's precision: -1e9 for 32/64-bit
// floats, -1e4 for Float16 (where -1e9 would overflow to -Inf and poison the
// softmax with NaNs on fully-masked lanes).
func VisibilityMaskToAttentionBias(visible *tensors.Tensor, dtype dtypes.DType) *tensors.Tensor {
	if visible.DType() != dtypes.Bool {
		Panicf("attention: visibility mask must be Bool, got %s", visible.DType())
	}
	return ops.Where(visible, ops.Scalar(dtype, 0), ops.Scalar(dtype, maskingCost(dtype)))
}

// maskingCost is the finite stand-in for -inf used in attention biases.
func maskingCost(dtype dtypes.DType) float64 {
	if dtype == dtypes.Float16 {
		return -1e4
	}
	return -1e9
}
