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

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/r0king/mesh/ops"
	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// DefaultRadius is the attention window radius used by LocalAttention1D when
// WithRadius is not given.
const DefaultRadius = 128

// maxBlockLength caps the block size BlockLength searches down from. Larger
// blocks pad more memory per block than the window ever reads.
const maxBlockLength = 128

// SequenceID identifies which packed sequence each position of the length axis
// belongs to: positions with different ids never attend to each other. It is either
// a scalar (one id for the whole axis) or a per-position tensor.
//
// The zero SequenceID is not valid; LocalAttention1D defaults to
// ScalarSequenceID(1). Id 0 is reserved for the zero padding the halo exchange
// introduces at the sequence ends, which must never match a real position.
type SequenceID struct {
	scalar int32
	tensor *tensors.Tensor
}

// ScalarSequenceID gives every position of the length axis the same id.
func ScalarSequenceID(id int32) SequenceID {
	return SequenceID{scalar: id}
}

// TensorSequenceID takes per-position ids from an Int32 tensor. The tensor may
// omit the length axis, in which case its ids broadcast over it.
func TensorSequenceID(t *tensors.Tensor) SequenceID {
	if t == nil {
		Panicf("attention: TensorSequenceID with nil tensor, use ScalarSequenceID for a constant id")
	}
	if t.DType() != dtypes.Int32 {
		Panicf("attention: sequence ids must be %s, got %s", dtypes.Int32, t.DType())
	}
	return SequenceID{tensor: t}
}

// resolve materializes the id as a tensor carrying the length axis.
func (s SequenceID) resolve(lengthDim dims.Dimension) *tensors.Tensor {
	if s.tensor == nil {
		return ops.Full(dtypes.Int32, dims.Make(lengthDim), float64(s.scalar))
	}
	if s.tensor.Shape().Has(lengthDim) {
		return s.tensor
	}
	return ops.Add(s.tensor, ops.Zeros(dtypes.Int32, dims.Make(lengthDim)))
}

// BlockLength returns the block size LocalAttention1D partitions the length axis
// into: the largest divisor of lengthSize/numSplits that is at most
// max(radius, maxBlockLength). The search decrements from the cap and always
// terminates, in the worst case at block length 1.
func BlockLength(lengthSize, numSplits, radius int) int {
	if numSplits < 1 || lengthSize%numSplits != 0 {
		Panicf("attention: length size %d is not divisible into %d splits", lengthSize, numSplits)
	}
	perSplit := lengthSize / numSplits
	blockLength := max(radius, maxBlockLength)
	for perSplit%blockLength != 0 {
		blockLength--
	}
	return blockLength
}

// LocalBuilder configures a local windowed attention computation. Create it with
// LocalAttention1D, set the optional parameters, and call Done.
type LocalBuilder struct {
	q, k, v                     *tensors.Tensor
	lengthDim, keyDim, valueDim dims.Dimension
	autoregressive              bool
	numSplits                   int
	radius                      int
	sequenceID                  SequenceID
	writePriority, readPriority *tensors.Tensor
	dropoutRate                 float64
	dropoutBroadcastDims        []dims.Dimension
	extraLogit                  []float64
	rng                         *rand.Rand
}

// LocalAttention1D builds an attention where each query position attends only to a
// window of nearby memory positions along a shared length axis.
//
// The length axis is partitioned into equal blocks (see BlockLength) and each
// memory block is extended with radius neighboring positions fetched from the
// adjacent block(s), so a query attends within its own block plus the halo. The
// positions a halo fetches past the ends of the axis are zero padding, masked out
// through their sequence id.
//
// v may be nil, in which case k doubles as values. q, k and v share the length
// axis; q must carry the key axis and v the value axis.
//
// The default window is causal (each position sees the previous radius positions
// and itself); Bidirectional extends it radius positions each way. The output has
// shape q.shape - keyDim + valueDim.
func LocalAttention1D(q, k, v *tensors.Tensor, lengthDim, keyDim, valueDim dims.Dimension) *LocalBuilder {
	if q == nil || k == nil {
		Panicf("attention: LocalAttention1D requires q and k")
	}
	if v == nil {
		v = k
	}
	return &LocalBuilder{
		q:              q,
		k:              k,
		v:              v,
		lengthDim:      lengthDim,
		keyDim:         keyDim,
		valueDim:       valueDim,
		autoregressive: true,
		numSplits:      1,
		radius:         DefaultRadius,
		sequenceID:     ScalarSequenceID(1),
	}
}

// Bidirectional lets each position attend radius positions in both directions,
// instead of the default causal window over the previous radius positions.
func (b *LocalBuilder) Bidirectional() *LocalBuilder {
	b.autoregressive = false
	return b
}

// WithRadius sets the attention window radius. Defaults to DefaultRadius.
func (b *LocalBuilder) WithRadius(radius int) *LocalBuilder {
	if radius < 0 {
		Panicf("attention: radius must be >= 0, got %d", radius)
	}
	b.radius = radius
	return b
}

// WithNumSplits declares how many shards the length axis is split across, which
// caps the block length: blocks never straddle a shard boundary. Defaults to 1.
func (b *LocalBuilder) WithNumSplits(numSplits int) *LocalBuilder {
	if numSplits < 1 {
		Panicf("attention: numSplits must be >= 1, got %d", numSplits)
	}
	b.numSplits = numSplits
	return b
}

// WithSequenceID sets the per-position sequence ids used to keep packed sequences
// from attending to each other. Defaults to ScalarSequenceID(1).
func (b *LocalBuilder) WithSequenceID(id SequenceID) *LocalBuilder {
	b.sequenceID = id
	return b
}

// WithPriorities masks position pairs where the query's read priority is lower
// than the memory's write priority, on top of the window and sequence-id masking.
// Both tensors carry the length axis.
func (b *LocalBuilder) WithPriorities(write, read *tensors.Tensor) *LocalBuilder {
	if (write == nil) != (read == nil) {
		Panicf("attention: write and read priorities must be given together")
	}
	b.writePriority = write
	b.readPriority = read
	return b
}

// WithDropout zeroes attention weights with the given probability. See
// Builder.WithDropout.
func (b *LocalBuilder) WithDropout(rate float64, broadcastDims ...dims.Dimension) *LocalBuilder {
	b.dropoutRate = rate
	b.dropoutBroadcastDims = broadcastDims
	return b
}

// WithExtraLogit adds one extra logit to the softmax normalizer. See
// Builder.WithExtraLogit.
func (b *LocalBuilder) WithExtraLogit(extraLogit float64) *LocalBuilder {
	b.extraLogit = []float64{extraLogit}
	return b
}

// WithRand sets the random source used for dropout.
func (b *LocalBuilder) WithRand(rng *rand.Rand) *LocalBuilder {
	b.rng = rng
	return b
}

// Done runs the local attention computation and returns a tensor with shape
// q.shape - keyDim + valueDim.
func (b *LocalBuilder) Done() *tensors.Tensor {
	blockLength := BlockLength(b.lengthDim.Size, b.numSplits, b.radius)
	// The blocks axis reuses the length axis's name, so axes that carried the
	// flat length keep lining up with each other once blocked.
	numBlocksDim := dims.D(b.lengthDim.Name, b.lengthDim.Size/blockLength)
	queryBlockDim := dims.D("query_block_length", blockLength)
	memoryBlockDim := dims.D("memory_block_length", blockLength)

	blockQuery := func(x *tensors.Tensor) *tensors.Tensor {
		return ops.ReplaceDim(x, b.lengthDim, numBlocksDim, queryBlockDim)
	}
	blockMemory := func(x *tensors.Tensor) *tensors.Tensor {
		x = ops.ReplaceDim(x, b.lengthDim, numBlocksDim, memoryBlockDim)
		if b.autoregressive {
			return ops.LeftHaloExchange(x, numBlocksDim, memoryBlockDim, b.radius)
		}
		return ops.HaloExchange(x, numBlocksDim, memoryBlockDim, b.radius)
	}

	q := blockQuery(b.q)
	k := blockMemory(b.k)
	var v *tensors.Tensor
	if b.v == b.k {
		v = k
	} else {
		v = blockMemory(b.v)
	}

	haloSides := 1
	if !b.autoregressive {
		haloSides = 2
	}
	paddedMemoryBlockDim := dims.D("memory_block_length", haloSides*b.radius+blockLength)

	sequenceID := b.sequenceID.resolve(b.lengthDim)
	position := ops.Range(dtypes.Int32, b.lengthDim)
	relative := ops.Sub(blockMemory(position), blockQuery(position))

	visible := ops.Equal(blockQuery(sequenceID), blockMemory(sequenceID))
	visible = ops.LogicalAnd(visible, ops.Greater(relative, ops.Scalar(dtypes.Int32, float64(-b.radius))))
	if b.autoregressive {
		visible = ops.LogicalAnd(visible, ops.LessOrEqual(relative, ops.Scalar(dtypes.Int32, 0)))
	} else {
		visible = ops.LogicalAnd(visible, ops.LessOrEqual(relative, ops.Scalar(dtypes.Int32, float64(b.radius))))
	}
	if b.readPriority != nil {
		visible = ops.LogicalAnd(visible,
			ops.GreaterOrEqual(blockQuery(b.readPriority), blockMemory(b.writePriority)))
	}

	bias := VisibilityMaskToAttentionBias(visible, q.DType())
	inner := Attention(q, k, v, paddedMemoryBlockDim, b.keyDim, b.valueDim).
		WithBias(bias).
		WithDropout(b.dropoutRate, b.dropoutBroadcastDims...)
	if len(b.extraLogit) > 0 {
		inner.WithExtraLogit(b.extraLogit[0])
	}
	if b.rng != nil {
		inner.WithRand(b.rng)
	}
	output := inner.Done()
	return ops.ReplaceDims(output, []dims.Dimension{numBlocksDim, queryBlockDim}, []dims.Dimension{b.lengthDim})
}
