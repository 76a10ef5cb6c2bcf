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
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/r0king/mesh/mesh"
	"github.com/r0king/mesh/ops"
	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// ParamsBuilder configures an AttentionParams bundle. Create it with
// NewAttentionParams, set the optional parameters, and call Done.
type ParamsBuilder struct {
	mesh                            *mesh.Mesh
	queryInputDim, memoryInputDim   dims.Dimension
	outputDim, keyDim, valueDim     dims.Dimension
	queryHeadsDims, memoryHeadsDims []dims.Dimension

	name               string
	dtype              dtypes.DType
	sharedKV           bool
	combineDims        bool
	ensembleDim        *dims.Dimension
	keepQueryHeadsDims bool
}

// NewAttentionParams starts the construction of an AttentionParams: the bundle of
// query/key/value/output projection weights of one attention layer, created on the
// given Mesh.
//
// queryInputDim and memoryInputDim are the model axes of the query and memory
// antecedents; outputDim is the model axis of the layer's output. keyDim and
// valueDim are the per-head projection axes, and queryHeadsDims/memoryHeadsDims are
// the (possibly empty, possibly multi-axis) head axes of each side.
//
// Defaults: dtype Float32, head axes fused into a single weight axis (see
// WithoutCombinedDims), separate key and value weights (see SharedKV), variable
// names prefixed "attention".
func NewAttentionParams(m *mesh.Mesh, queryInputDim, memoryInputDim, outputDim, keyDim, valueDim dims.Dimension,
	queryHeadsDims, memoryHeadsDims []dims.Dimension) *ParamsBuilder {
	return &ParamsBuilder{
		mesh:            m,
		queryInputDim:   queryInputDim,
		memoryInputDim:  memoryInputDim,
		outputDim:       outputDim,
		keyDim:          keyDim,
		valueDim:        valueDim,
		queryHeadsDims:  queryHeadsDims,
		memoryHeadsDims: memoryHeadsDims,
		name:            "attention",
		dtype:           dtypes.Float32,
		combineDims:     true,
	}
}

// WithName sets the prefix of the weight variable names on the Mesh, so several
// attention layers can coexist. Defaults to "attention".
func (b *ParamsBuilder) WithName(name string) *ParamsBuilder {
	b.name = name
	return b
}

// WithDType sets the dtype of the weights created. Defaults to Float32.
func (b *ParamsBuilder) WithDType(dtype dtypes.DType) *ParamsBuilder {
	b.dtype = dtype
	return b
}

// SharedKV makes keys and values share one projection weight, halving the memory
// side's parameters. Requires keyDim and valueDim to have the same size, and
// switches the accessors from ComputeK/ComputeV to ComputeKV.
func (b *ParamsBuilder) SharedKV() *ParamsBuilder {
	b.sharedKV = true
	return b
}

// WithoutCombinedDims keeps the head axes of each weight as separate axes instead of
// fusing them into one. The fused layout is the default because it matches how the
// weights are typically sharded.
func (b *ParamsBuilder) WithoutCombinedDims() *ParamsBuilder {
	b.combineDims = false
	return b
}

// WithEnsembleDim prepends an ensemble axis to every weight shape, giving each
// ensemble member its own projections.
func (b *ParamsBuilder) WithEnsembleDim(dim dims.Dimension) *ParamsBuilder {
	b.ensembleDim = &dim
	return b
}

// KeepQueryHeadsDims makes ComputeOutput reduce only the value axis, leaving the
// query head axes in the result. Used when heads must remain distinguishable
// downstream.
func (b *ParamsBuilder) KeepQueryHeadsDims() *ParamsBuilder {
	b.keepQueryHeadsDims = true
	return b
}

// Done validates the configuration, creates the weights on the Mesh and returns the
// AttentionParams.
//
// It panics on configuration errors: SharedKV with keyDim.Size != valueDim.Size.
func (b *ParamsBuilder) Done() *AttentionParams {
	if b.sharedKV && b.keyDim.Size != b.valueDim.Size {
		Panicf("attention: SharedKV requires key and value axes of the same size, got key=%s value=%s",
			b.keyDim, b.valueDim)
	}

	p := &AttentionParams{
		queryInputDim:      b.queryInputDim,
		memoryInputDim:     b.memoryInputDim,
		outputDim:          b.outputDim,
		keyDim:             b.keyDim,
		valueDim:           b.valueDim,
		sharedKV:           b.sharedKV,
		combineDims:        b.combineDims,
		keepQueryHeadsDims: b.keepQueryHeadsDims,
	}
	p.qDims = append(append([]dims.Dimension{}, b.queryHeadsDims...), b.keyDim)
	p.kDims = append(append([]dims.Dimension{}, b.memoryHeadsDims...), b.keyDim)
	p.vDims = append(append([]dims.Dimension{}, b.memoryHeadsDims...), b.valueDim)
	p.oDims = append(append([]dims.Dimension{}, b.queryHeadsDims...), b.valueDim)

	qStddev, memStddev, oStddev := 1.0, 1.0, 1.0
	if !b.mesh.UnitScaling() {
		qStddev = 1.0 / math.Sqrt(float64(b.queryInputDim.Size*b.keyDim.Size))
		memStddev = 1.0 / math.Sqrt(float64(b.memoryInputDim.Size))
		oFanIn := b.valueDim.Size
		for _, d := range b.queryHeadsDims {
			oFanIn *= d.Size
		}
		oStddev = 1.0 / math.Sqrt(float64(oFanIn))
	}

	makeShape := func(inputDim dims.Dimension, projDims []dims.Dimension) dims.Shape {
		var axes []dims.Dimension
		if b.ensembleDim != nil {
			axes = append(axes, *b.ensembleDim)
		}
		axes = append(axes, inputDim)
		if b.combineDims {
			axes = append(axes, dims.Combine(projDims))
		} else {
			axes = append(axes, projDims...)
		}
		return dims.Make(axes...)
	}
	makeWeight := func(suffix string, inputDim dims.Dimension, projDims []dims.Dimension, stddev float64) *tensors.Tensor {
		v := b.mesh.GetVariable(b.name+"/"+suffix, b.dtype, makeShape(inputDim, projDims), mesh.RandomNormalFn(stddev))
		return v.Value()
	}

	p.wq = makeWeight("q", b.queryInputDim, p.qDims, qStddev)
	if b.sharedKV {
		p.wkv = makeWeight("kv", b.memoryInputDim, p.kDims, memStddev)
	} else {
		p.wk = makeWeight("k", b.memoryInputDim, p.kDims, memStddev)
		p.wv = makeWeight("v", b.memoryInputDim, p.vDims, memStddev)
	}
	p.wo = makeWeight("o", b.outputDim, p.oDims, oStddev)
	return p
}

// AttentionParams bundles the projection weights of one attention layer and the
// contractions that apply them. Create it with NewAttentionParams.
type AttentionParams struct {
	queryInputDim, memoryInputDim dims.Dimension
	outputDim, keyDim, valueDim   dims.Dimension

	// Projection axes of each weight, precomputed at construction:
	// head axes followed by the key or value axis.
	qDims, kDims, vDims, oDims []dims.Dimension

	sharedKV           bool
	combineDims        bool
	keepQueryHeadsDims bool

	wq, wk, wv, wkv, wo *tensors.Tensor
}

// KeyDim of the projections.
func (p *AttentionParams) KeyDim() dims.Dimension { return p.keyDim }

// ValueDim of the projections.
func (p *AttentionParams) ValueDim() dims.Dimension { return p.valueDim }

// SharedKV reports whether keys and values share one projection weight.
func (p *AttentionParams) SharedKV() bool { return p.sharedKV }

// compute contracts x over inputDim against weight and, if the weight was created
// with fused head axes, splits the fused axis back into projDims.
func (p *AttentionParams) compute(x, weight *tensors.Tensor, inputDim dims.Dimension, projDims []dims.Dimension) *tensors.Tensor {
	result := ops.Einsum(x, weight, inputDim)
	if p.combineDims {
		result = ops.SplitDim(result, projDims)
	}
	return result
}

// ComputeQ projects the query antecedent, contracting its query-input axis and
// producing the query head axes plus the key axis.
func (p *AttentionParams) ComputeQ(x *tensors.Tensor) *tensors.Tensor {
	return p.compute(x, p.wq, p.queryInputDim, p.qDims)
}

// ComputeK projects the memory antecedent into keys. Panics if the params were
// created with SharedKV, whose single weight is applied with ComputeKV.
func (p *AttentionParams) ComputeK(x *tensors.Tensor) *tensors.Tensor {
	if p.sharedKV {
		Panicf("attention: ComputeK called on AttentionParams created with SharedKV, use ComputeKV")
	}
	return p.compute(x, p.wk, p.memoryInputDim, p.kDims)
}

// ComputeV projects the memory antecedent into values. Panics if the params were
// created with SharedKV, whose single weight is applied with ComputeKV.
func (p *AttentionParams) ComputeV(x *tensors.Tensor) *tensors.Tensor {
	if p.sharedKV {
		Panicf("attention: ComputeV called on AttentionParams created with SharedKV, use ComputeKV")
	}
	return p.compute(x, p.wv, p.memoryInputDim, p.vDims)
}

// ComputeKV projects the memory antecedent with the shared key/value weight; the
// result serves as both keys and values. Panics unless the params were created with
// SharedKV.
func (p *AttentionParams) ComputeKV(x *tensors.Tensor) *tensors.Tensor {
	if !p.sharedKV {
		Panicf("attention: ComputeKV called on AttentionParams created without SharedKV, use ComputeK and ComputeV")
	}
	return p.compute(x, p.wkv, p.memoryInputDim, p.kDims)
}

// ComputeOutput projects the per-head attention output o back to the model's output
// axis, reducing the query head axes and the value axis.
//
// If outputShape is given, the result is laid out and reduced to exactly that shape;
// otherwise the result keeps every non-reduced axis of o plus the output axis. With
// KeepQueryHeadsDims only the value axis is reduced, so the query head axes survive
// into the result.
func (p *AttentionParams) ComputeOutput(o *tensors.Tensor, outputShape ...dims.Shape) *tensors.Tensor {
	if len(outputShape) > 1 {
		Panicf("attention: ComputeOutput takes at most one output shape, got %d", len(outputShape))
	}
	wo := p.wo
	reduced := p.oDims
	if p.combineDims {
		if p.keepQueryHeadsDims {
			// Split the fused weight axis so the head axes can survive the
			// contraction.
			wo = ops.SplitDim(wo, p.oDims)
		} else {
			// Lay o out with the projection axes last and fuse them to match
			// the fused weight axis.
			fused := dims.Combine(p.oDims)
			o = ops.Transpose(o, o.Shape().Sub(p.oDims...).Add(p.oDims...))
			o = ops.ReplaceDims(o, p.oDims, []dims.Dimension{fused})
			reduced = []dims.Dimension{fused}
		}
	}
	if p.keepQueryHeadsDims {
		reduced = []dims.Dimension{p.valueDim}
	}
	if len(outputShape) == 1 {
		return ops.EinsumShaped(o, wo, outputShape[0])
	}
	return ops.Einsum(o, wo, reduced...)
}

// AttentionParamsSimple creates an AttentionParams for the common case of one
// model axis serving as query input, memory input and output, one axis serving as
// both key and value, and a single heads axis.
func AttentionParamsSimple(m *mesh.Mesh, ioDim, kvDim, headsDim dims.Dimension, dtype dtypes.DType) *AttentionParams {
	return NewAttentionParams(m, ioDim, ioDim, ioDim, kvDim, kvDim,
		[]dims.Dimension{headsDim}, []dims.Dimension{headsDim}).
		WithDType(dtype).
		Done()
}
