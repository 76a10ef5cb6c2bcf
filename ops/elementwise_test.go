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
	"github.com/x448/float16"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

var (
	batch2  = dims.D("batch", 2)
	length3 = dims.D("length", 3)
)

func TestAdd(t *testing.T) {
	a := tensors.FromFlatData(dims.Make(batch2, length3), []float32{1, 2, 3, 4, 5, 6})
	b := tensors.FromFlatData(dims.Make(batch2, length3), []float32{10, 20, 30, 40, 50, 60})
	got := Add(a, b)
	require.Equal(t, []float32{11, 22, 33, 44, 55, 66}, tensors.CopyFlatData[float32](got))
}

func TestAddBroadcastsByName(t *testing.T) {
	a := tensors.FromFlatData(dims.Make(batch2, length3), []float32{1, 2, 3, 4, 5, 6})

	// A lower-rank operand broadcasts over the axes it is missing.
	bias := tensors.FromFlatData(dims.Make(length3), []float32{10, 20, 30})
	got := Add(a, bias)
	require.Equal(t, dims.Make(batch2, length3), got.Shape())
	require.Equal(t, []float32{11, 22, 33, 14, 25, 36}, tensors.CopyFlatData[float32](got))

	// A scalar broadcasts over everything.
	got = Add(a, Scalar(dtypes.Float32, 100))
	require.Equal(t, []float32{101, 102, 103, 104, 105, 106}, tensors.CopyFlatData[float32](got))

	// Operands with disjoint axes produce their union.
	col := tensors.FromFlatData(dims.Make(batch2), []float32{100, 200})
	got = Add(col, bias)
	require.Equal(t, dims.Make(batch2, length3), got.Shape())
	require.Equal(t, []float32{110, 120, 130, 210, 220, 230}, tensors.CopyFlatData[float32](got))

	// Same axis name with different sizes cannot broadcast.
	require.Panics(t, func() { Add(a, Zeros(dtypes.Float32, dims.Make(dims.D("length", 4)))) })
}

func TestSubMul(t *testing.T) {
	a := tensors.FromFlatData(dims.Make(length3), []float64{1, 2, 3})
	b := tensors.FromFlatData(dims.Make(length3), []float64{3, 2, 1})
	require.Equal(t, []float64{-2, 0, 2}, tensors.CopyFlatData[float64](Sub(a, b)))
	require.Equal(t, []float64{3, 4, 3}, tensors.CopyFlatData[float64](Mul(a, b)))

	ints := tensors.FromFlatData(dims.Make(length3), []int32{5, 6, 7})
	require.Equal(t, []int32{10, 12, 14}, tensors.CopyFlatData[int32](Mul(ints, Scalar(dtypes.Int32, 2))))
}

func TestNeg(t *testing.T) {
	a := tensors.FromFlatData(dims.Make(length3), []float64{1, -2, 0})
	require.Equal(t, []float64{-1, 2, 0}, tensors.CopyFlatData[float64](Neg(a)))

	ints := tensors.FromFlatData(dims.Make(length3), []int32{5, -6, 7})
	require.Equal(t, []int32{-5, 6, -7}, tensors.CopyFlatData[int32](Neg(ints)))

	halves := Cast(a, dtypes.Float16)
	got := Neg(halves)
	require.Equal(t, dtypes.Float16, got.DType())
	require.Equal(t, -1.0, got.FloatAt(0))
	require.Equal(t, 2.0, got.FloatAt(1))

	require.Panics(t, func() { Neg(Scalar(dtypes.Bool, 1)) })
}

func TestMinimumMaximum(t *testing.T) {
	a := tensors.FromFlatData(dims.Make(length3), []float32{-1, 0.5, 2})
	zero := Scalar(dtypes.Float32, 0)
	one := Scalar(dtypes.Float32, 1)
	clamped := Maximum(Minimum(a, one), zero)
	require.Equal(t, []float32{0, 0.5, 1}, tensors.CopyFlatData[float32](clamped))
}

func TestComparisons(t *testing.T) {
	a := tensors.FromFlatData(dims.Make(length3), []int32{-1, 0, 1})
	zero := Scalar(dtypes.Int32, 0)
	require.Equal(t, []bool{false, true, false}, tensors.CopyFlatData[bool](Equal(a, zero)))
	require.Equal(t, []bool{false, false, true}, tensors.CopyFlatData[bool](Greater(a, zero)))
	require.Equal(t, []bool{false, true, true}, tensors.CopyFlatData[bool](GreaterOrEqual(a, zero)))
	require.Equal(t, []bool{true, true, false}, tensors.CopyFlatData[bool](LessOrEqual(a, zero)))
}

func TestLogicalOps(t *testing.T) {
	a := tensors.FromFlatData(dims.Make(dims.D("x", 4)), []bool{true, true, false, false})
	b := tensors.FromFlatData(dims.Make(dims.D("x", 4)), []bool{true, false, true, false})
	require.Equal(t, []bool{true, false, false, false}, tensors.CopyFlatData[bool](LogicalAnd(a, b)))
	require.Equal(t, []bool{false, false, true, true}, tensors.CopyFlatData[bool](LogicalNot(a)))

	require.Panics(t, func() { LogicalNot(Scalar(dtypes.Float32, 1)) })
}

func TestWhere(t *testing.T) {
	cond := tensors.FromFlatData(dims.Make(length3), []bool{true, false, true})
	a := tensors.FromFlatData(dims.Make(length3), []float64{1, 2, 3})
	b := tensors.FromFlatData(dims.Make(length3), []float64{10, 20, 30})
	require.Equal(t, []float64{1, 20, 3}, tensors.CopyFlatData[float64](Where(cond, a, b)))

	// Scalar branches broadcast to the condition's shape.
	got := Where(cond, Scalar(dtypes.Float64, 0), Scalar(dtypes.Float64, -1e9))
	require.Equal(t, dims.Make(length3), got.Shape())
	require.Equal(t, []float64{0, -1e9, 0}, tensors.CopyFlatData[float64](got))

	// The condition broadcasts over axes only the branches carry.
	rows := tensors.FromFlatData(dims.Make(batch2), []int32{100, 200})
	got = Where(cond, rows, Scalar(dtypes.Int32, 0))
	require.Equal(t, dims.Make(length3, batch2), got.Shape())
	require.Equal(t, []int32{100, 200, 0, 0, 100, 200}, tensors.CopyFlatData[int32](got))

	require.Panics(t, func() { Where(a, a, b) })
	require.Panics(t, func() { Where(cond, a, Scalar(dtypes.Float32, 0)) })
}

func TestCast(t *testing.T) {
	mask := tensors.FromFlatData(dims.Make(length3), []bool{true, false, true})
	require.Equal(t, []float32{1, 0, 1}, tensors.CopyFlatData[float32](Cast(mask, dtypes.Float32)))

	floats := tensors.FromFlatData(dims.Make(length3), []float64{1.9, -1.2, 0})
	require.Equal(t, []int32{1, -1, 0}, tensors.CopyFlatData[int32](Cast(floats, dtypes.Int32)))
	require.Equal(t, []bool{true, true, false}, tensors.CopyFlatData[bool](Cast(floats, dtypes.Bool)))

	// Same dtype returns an independent copy.
	same := Cast(floats, dtypes.Float64)
	tensors.MutableFlatData[float64](same)[0] = 100
	require.Equal(t, 1.9, tensors.ConstFlatData[float64](floats)[0])
}

func TestFloat16Arith(t *testing.T) {
	a := tensors.FromFlatData(dims.Make(batch2),
		[]float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(2)})
	got := Add(a, Scalar(dtypes.Float16, 0.5))
	require.Equal(t, dtypes.Float16, got.DType())
	require.Equal(t, 2.0, got.FloatAt(0))
	require.Equal(t, 2.5, got.FloatAt(1))
}

func TestConstructors(t *testing.T) {
	shape := dims.Make(batch2, length3)
	require.Equal(t, []float64{0, 0, 0, 0, 0, 0}, tensors.CopyFlatData[float64](Zeros(dtypes.Float64, shape)))
	require.Equal(t, []float64{1, 1, 1, 1, 1, 1}, tensors.CopyFlatData[float64](Ones(dtypes.Float64, shape)))
	require.Equal(t, []int32{7, 7, 7, 7, 7, 7}, tensors.CopyFlatData[int32](Full(dtypes.Int32, shape, 7)))
	require.Equal(t, []int32{0, 1, 2}, tensors.CopyFlatData[int32](Range(dtypes.Int32, length3)))
	require.Equal(t, []int32{7, 7, 7}, tensors.CopyFlatData[int32](Constant(dims.Make(length3), int32(7))))
	require.Equal(t, []bool{true, true, true}, tensors.CopyFlatData[bool](Constant(dims.Make(length3), true)))
	require.Equal(t, 3.5, tensors.ToScalar[float64](Scalar(dtypes.Float64, 3.5)))
}
