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

	"github.com/r0king/mesh/mesh"
	"github.com/r0king/mesh/ops"
	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// HybridBuilder configures a hybrid attention computation. Create it with
// HybridAttention, set the optional parameters, and call Done.
type HybridBuilder struct {
	inner *Builder
	mesh  *mesh.Mesh
	name  string
}

// HybridAttention builds a dot-product attention that blends the usual
// row-normalized softmax with a doubly-normalized one.
//
// A learned scalar mixing coefficient ("doubly_coeff", created on the given Mesh
// and initialized to 0.5) controls the blend: the coefficient is clamped into
// [0, 1] every time it is read -- the stored value is never clamped, so gradients
// outside the range are not lost. The doubly-normalized distribution applies a
// log-softmax over a query-length axis (a fresh axis named "length", sized like
// the memory length) followed by a softmax over the memory length axis -- one
// normalization pass each way, deliberately not a full Sinkhorn iteration.
//
// Inputs, options and output shape are the same as Attention.
func HybridAttention(m *mesh.Mesh, q, k, v *tensors.Tensor, memoryLengthDim, keyDim, valueDim dims.Dimension) *HybridBuilder {
	return &HybridBuilder{
		inner: Attention(q, k, v, memoryLengthDim, keyDim, valueDim),
		mesh:  m,
		name:  "doubly_coeff",
	}
}

// WithName sets the name of the mixing-coefficient variable on the Mesh, so
// several hybrid attention layers can coexist. Defaults to "doubly_coeff".
func (b *HybridBuilder) WithName(name string) *HybridBuilder {
	b.name = name
	return b
}

// WithBias adds the given tensor to the attention logits before the softmaxes.
func (b *HybridBuilder) WithBias(bias *tensors.Tensor) *HybridBuilder {
	b.inner.WithBias(bias)
	return b
}

// WithDropout zeroes attention weights with the given probability. See
// Builder.WithDropout.
func (b *HybridBuilder) WithDropout(rate float64, broadcastDims ...dims.Dimension) *HybridBuilder {
	b.inner.WithDropout(rate, broadcastDims...)
	return b
}

// WithExtraLogit adds one extra logit to every softmax normalizer.
func (b *HybridBuilder) WithExtraLogit(extraLogit float64) *HybridBuilder {
	b.inner.WithExtraLogit(extraLogit)
	return b
}

// WithRand sets the random source used for dropout.
func (b *HybridBuilder) WithRand(rng *rand.Rand) *HybridBuilder {
	b.inner.WithRand(rng)
	return b
}

// Done runs the hybrid attention computation and returns a tensor with shape
// q.shape - keyDim + valueDim.
func (b *HybridBuilder) Done() *tensors.Tensor {
	inner := b.inner
	logits := ops.Einsum(inner.q, inner.k, inner.keyDim)
	if inner.bias != nil {
		logits = ops.Add(logits, inner.bias)
	}

	dtype := logits.DType()
	queryLengthDim := dims.D("length", inner.memoryLengthDim.Size)
	coeffVar := b.mesh.GetVariable(b.name, dtype, dims.Scalar(), mesh.ConstantFn(0.5))
	// Read clamped into [0,1]; the variable itself keeps the unclamped value.
	coeff := ops.Maximum(ops.Minimum(coeffVar.Value(), ops.Scalar(dtype, 1)), ops.Scalar(dtype, 0))
	oneMinusCoeff := ops.Sub(ops.Scalar(dtype, 1), coeff)

	upperWeights := ops.Softmax(logits, inner.memoryLengthDim, inner.extraLogit...)
	lowerLogWeights := ops.LogSoftmax(logits, queryLengthDim, inner.extraLogit...)
	doublyWeights := ops.Softmax(lowerLogWeights, inner.memoryLengthDim, inner.extraLogit...)

	weights := ops.Add(ops.Mul(coeff, doublyWeights), ops.Mul(oneMinusCoeff, upperWeights))
	weights = inner.applyDropout(weights)
	outputShape := inner.q.Shape().Sub(inner.keyDim).Add(inner.valueDim)
	return ops.EinsumShaped(weights, inner.v, outputShape)
}
