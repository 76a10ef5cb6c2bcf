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
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// number are the dtypes binary arithmetic runs on natively. Float16 operands are
// promoted to Float32 for computation and the result demoted back.
type number interface {
	int32 | float32 | float64
}

func binaryKernel[T number, O number | bool](a, b *tensors.Tensor, outDType dtypes.DType, fn func(x, y T) O) *tensors.Tensor {
	outShape := unionShape(a, b)
	out := tensors.FromShape(outDType, outShape)
	flatA := tensors.ConstFlatData[T](a)
	flatB := tensors.ConstFlatData[T](b)
	flatOut := tensors.MutableFlatData[O](out)
	strides := [][]int{
		outShape.Strides(),
		broadcastStrides(outShape, a.Shape()),
		broadcastStrides(outShape, b.Shape()),
	}
	iterate(outShape, strides, func(offsets []int) {
		flatOut[offsets[0]] = fn(flatA[offsets[1]], flatB[offsets[2]])
	})
	return out
}

// promotePair validates that both operands share a dtype and promotes Float16 to
// Float32. The returned demote function converts the result back to the original
// dtype.
func promotePair(opName string, a, b *tensors.Tensor) (pa, pb *tensors.Tensor, demote func(*tensors.Tensor) *tensors.Tensor) {
	if a.DType() != b.DType() {
		Panicf("ops.%s: operands dtypes differ: %s vs %s", opName, a.DType(), b.DType())
	}
	if a.DType() == dtypes.Float16 {
		return Cast(a, dtypes.Float32), Cast(b, dtypes.Float32),
			func(t *tensors.Tensor) *tensors.Tensor { return Cast(t, dtypes.Float16) }
	}
	return a, b, func(t *tensors.Tensor) *tensors.Tensor { return t }
}

func arithOp(opName string, a, b *tensors.Tensor,
	fnI func(x, y int32) int32, fnF32 func(x, y float32) float32, fnF64 func(x, y float64) float64) *tensors.Tensor {
	a, b, demote := promotePair(opName, a, b)
	switch a.DType() {
	case dtypes.Int32:
		return binaryKernel(a, b, dtypes.Int32, fnI)
	case dtypes.Float32:
		return demote(binaryKernel(a, b, dtypes.Float32, fnF32))
	case dtypes.Float64:
		return demote(binaryKernel(a, b, dtypes.Float64, fnF64))
	}
	Panicf("ops.%s: dtype %s not supported", opName, a.DType())
	return nil
}

func compareOp(opName string, a, b *tensors.Tensor,
	fnI func(x, y int32) bool, fnF32 func(x, y float32) bool, fnF64 func(x, y float64) bool) *tensors.Tensor {
	a, b, _ = promotePair(opName, a, b)
	switch a.DType() {
	case dtypes.Int32:
		return binaryKernel(a, b, dtypes.Bool, fnI)
	case dtypes.Float32:
		return binaryKernel(a, b, dtypes.Bool, fnF32)
	case dtypes.Float64:
		return binaryKernel(a, b, dtypes.Bool, fnF64)
	}
	Panicf("ops.%s: dtype %s not supported", opName, a.DType())
	return nil
}

// Add returns a+b with name-based broadcasting. Operands must share a dtype.
func Add(a, b *tensors.Tensor) *tensors.Tensor {
	return arithOp("Add", a, b,
		func(x, y int32) int32 { return x + y },
		func(x, y float32) float32 { return x + y },
		func(x, y float64) float64 { return x + y })
}

// Sub returns a-b with name-based broadcasting.
func Sub(a, b *tensors.Tensor) *tensors.Tensor {
	return arithOp("Sub", a, b,
		func(x, y int32) int32 { return x - y },
		func(x, y float32) float32 { return x - y },
		func(x, y float64) float64 { return x - y })
}

// Neg returns -x elementwise.
func Neg(x *tensors.Tensor) *tensors.Tensor {
	switch x.DType() {
	case dtypes.Int32:
		return negKernel[int32](x)
	case dtypes.Float16:
		return Cast(negKernel[float32](Cast(x, dtypes.Float32)), dtypes.Float16)
	case dtypes.Float32:
		return negKernel[float32](x)
	case dtypes.Float64:
		return negKernel[float64](x)
	}
	Panicf("ops.Neg: dtype %s not supported", x.DType())
	return nil
}

func negKernel[T number](x *tensors.Tensor) *tensors.Tensor {
	out := tensors.FromShape(x.DType(), x.Shape())
	flatX := tensors.ConstFlatData[T](x)
	flatOut := tensors.MutableFlatData[T](out)
	for ii, v := range flatX {
		flatOut[ii] = -v
	}
	return out
}

// Mul returns a*b with name-based broadcasting.
func Mul(a, b *tensors.Tensor) *tensors.Tensor {
	return arithOp("Mul", a, b,
		func(x, y int32) int32 { return x * y },
		func(x, y float32) float32 { return x * y },
		func(x, y float64) float64 { return x * y })
}

// Minimum returns min(a, b) elementwise with name-based broadcasting.
func Minimum(a, b *tensors.Tensor) *tensors.Tensor {
	return arithOp("Minimum", a, b,
		func(x, y int32) int32 { return min(x, y) },
		func(x, y float32) float32 { return min(x, y) },
		func(x, y float64) float64 { return min(x, y) })
}

// Maximum returns max(a, b) elementwise with name-based broadcasting.
func Maximum(a, b *tensors.Tensor) *tensors.Tensor {
	return arithOp("Maximum", a, b,
		func(x, y int32) int32 { return max(x, y) },
		func(x, y float32) float32 { return max(x, y) },
		func(x, y float64) float64 { return max(x, y) })
}

// Equal returns a==b elementwise as a Bool tensor.
func Equal(a, b *tensors.Tensor) *tensors.Tensor {
	return compareOp("Equal", a, b,
		func(x, y int32) bool { return x == y },
		func(x, y float32) bool { return x == y },
		func(x, y float64) bool { return x == y })
}

// Greater returns a>b elementwise as a Bool tensor.
func Greater(a, b *tensors.Tensor) *tensors.Tensor {
	return compareOp("Greater", a, b,
		func(x, y int32) bool { return x > y },
		func(x, y float32) bool { return x > y },
		func(x, y float64) bool { return x > y })
}

// GreaterOrEqual returns a>=b elementwise as a Bool tensor.
func GreaterOrEqual(a, b *tensors.Tensor) *tensors.Tensor {
	return compareOp("GreaterOrEqual", a, b,
		func(x, y int32) bool { return x >= y },
		func(x, y float32) bool { return x >= y },
		func(x, y float64) bool { return x >= y })
}

// LessOrEqual returns a<=b elementwise as a Bool tensor.
func LessOrEqual(a, b *tensors.Tensor) *tensors.Tensor {
	return compareOp("LessOrEqual", a, b,
		func(x, y int32) bool { return x <= y },
		func(x, y float32) bool { return x <= y },
		func(x, y float64) bool { return x <= y })
}

// LogicalAnd returns a&&b elementwise. Both operands must be Bool.
func LogicalAnd(a, b *tensors.Tensor) *tensors.Tensor {
	if a.DType() != dtypes.Bool || b.DType() != dtypes.Bool {
		Panicf("ops.LogicalAnd: operands must be Bool, got %s and %s", a.DType(), b.DType())
	}
	outShape := unionShape(a, b)
	out := tensors.FromShape(dtypes.Bool, outShape)
	flatA := tensors.ConstFlatData[bool](a)
	flatB := tensors.ConstFlatData[bool](b)
	flatOut := tensors.MutableFlatData[bool](out)
	strides := [][]int{
		outShape.Strides(),
		broadcastStrides(outShape, a.Shape()),
		broadcastStrides(outShape, b.Shape()),
	}
	iterate(outShape, strides, func(offsets []int) {
		flatOut[offsets[0]] = flatA[offsets[1]] && flatB[offsets[2]]
	})
	return out
}

// LogicalNot returns !x elementwise. x must be Bool.
func LogicalNot(x *tensors.Tensor) *tensors.Tensor {
	if x.DType() != dtypes.Bool {
		Panicf("ops.LogicalNot: operand must be Bool, got %s", x.DType())
	}
	out := tensors.FromShape(dtypes.Bool, x.Shape())
	flatX := tensors.ConstFlatData[bool](x)
	flatOut := tensors.MutableFlatData[bool](out)
	for ii, v := range flatX {
		flatOut[ii] = !v
	}
	return out
}

// Where selects elementwise from onTrue where cond holds and from onFalse
// otherwise, with name-based broadcasting over all three operands. The condition
// must be Bool and the branches must share a dtype.
func Where(cond, onTrue, onFalse *tensors.Tensor) *tensors.Tensor {
	if cond.DType() != dtypes.Bool {
		Panicf("ops.Where: condition must be Bool, got %s", cond.DType())
	}
	if onTrue.DType() != onFalse.DType() {
		Panicf("ops.Where: branch dtypes differ: %s vs %s", onTrue.DType(), onFalse.DType())
	}
	outShape := unionShape(cond, onTrue).Add(onFalse.Shape().Dimensions...)
	switch onTrue.DType() {
	case dtypes.Bool:
		return whereKernel[bool](cond, onTrue, onFalse, outShape)
	case dtypes.Int32:
		return whereKernel[int32](cond, onTrue, onFalse, outShape)
	case dtypes.Float16:
		return whereKernel[float16.Float16](cond, onTrue, onFalse, outShape)
	case dtypes.Float32:
		return whereKernel[float32](cond, onTrue, onFalse, outShape)
	case dtypes.Float64:
		return whereKernel[float64](cond, onTrue, onFalse, outShape)
	}
	Panicf("ops.Where: dtype %s not supported", onTrue.DType())
	return nil
}

func whereKernel[T dtypes.Supported](cond, onTrue, onFalse *tensors.Tensor, outShape dims.Shape) *tensors.Tensor {
	out := tensors.FromShape(onTrue.DType(), outShape)
	flatCond := tensors.ConstFlatData[bool](cond)
	flatTrue := tensors.ConstFlatData[T](onTrue)
	flatFalse := tensors.ConstFlatData[T](onFalse)
	flatOut := tensors.MutableFlatData[T](out)
	strides := [][]int{
		outShape.Strides(),
		broadcastStrides(outShape, cond.Shape()),
		broadcastStrides(outShape, onTrue.Shape()),
		broadcastStrides(outShape, onFalse.Shape()),
	}
	iterate(outShape, strides, func(offsets []int) {
		if flatCond[offsets[1]] {
			flatOut[offsets[0]] = flatTrue[offsets[2]]
		} else {
			flatOut[offsets[0]] = flatFalse[offsets[3]]
		}
	})
	return out
}

// Cast converts x to the given dtype elementwise. Bool converts to 0/1; numeric
// values convert to true where non-zero.
func Cast(x *tensors.Tensor, dtype dtypes.DType) *tensors.Tensor {
	if x.DType() == dtype {
		return x.Clone()
	}
	out := tensors.FromShape(dtype, x.Shape())
	for ii := 0; ii < x.Size(); ii++ {
		setConverted(out, ii, elementAsFloat(x, ii))
	}
	return out
}

func elementAsFloat(x *tensors.Tensor, flatIdx int) float64 {
	switch flat := x.FlatAny().(type) {
	case []bool:
		if flat[flatIdx] {
			return 1
		}
		return 0
	case []int32:
		return float64(flat[flatIdx])
	case []float16.Float16:
		return float64(flat[flatIdx].Float32())
	case []float32:
		return float64(flat[flatIdx])
	case []float64:
		return flat[flatIdx]
	}
	return 0
}

func setConverted(out *tensors.Tensor, flatIdx int, value float64) {
	switch flat := out.FlatAny().(type) {
	case []bool:
		flat[flatIdx] = value != 0
	case []int32:
		flat[flatIdx] = int32(value)
	case []float16.Float16:
		flat[flatIdx] = float16.Fromfloat32(float32(value))
	case []float32:
		flat[flatIdx] = float32(value)
	case []float64:
		flat[flatIdx] = value
	}
}

// Scalar returns a rank-0 tensor of the given dtype holding value.
func Scalar(dtype dtypes.DType, value float64) *tensors.Tensor {
	t := tensors.FromShape(dtype, dims.Scalar())
	setConverted(t, 0, value)
	return t
}

// Zeros returns a zero-filled tensor of the given dtype and shape.
func Zeros(dtype dtypes.DType, shape dims.Shape) *tensors.Tensor {
	return tensors.FromShape(dtype, shape)
}

// Ones returns a one-filled tensor of the given dtype and shape.
func Ones(dtype dtypes.DType, shape dims.Shape) *tensors.Tensor {
	return Full(dtype, shape, 1)
}

// Full returns a tensor of the given dtype and shape with every element set to
// value.
func Full(dtype dtypes.DType, shape dims.Shape, value float64) *tensors.Tensor {
	t := tensors.FromShape(dtype, shape)
	for ii := 0; ii < t.Size(); ii++ {
		setConverted(t, ii, value)
	}
	return t
}

// Constant returns a tensor of the given shape with every element set to value,
// with the dtype inferred from value's Go type. Unlike Full it accepts any
// supported element type, including bool.
func Constant[T dtypes.Supported](shape dims.Shape, value T) *tensors.Tensor {
	return tensors.Full(shape, value)
}

// Range returns a rank-1 tensor over the given dimension with values 0, 1, ...,
// dim.Size-1.
func Range(dtype dtypes.DType, dim dims.Dimension) *tensors.Tensor {
	t := tensors.FromShape(dtype, dims.Make(dim))
	for ii := 0; ii < dim.Size; ii++ {
		setConverted(t, ii, float64(ii))
	}
	return t
}
