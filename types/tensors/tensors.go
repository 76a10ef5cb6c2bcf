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

// Package tensors implements the eager, in-process Tensor value used by the ops and
// attention packages.
//
// A Tensor is an N-dimensional array tagged with a dims.Shape (named axes) and a
// DType (github.com/gomlx/gopjrt/dtypes). Data is stored flat, row-major in the
// shape's canonical axis order. Supported dtypes are Bool, Int32, Float16, Float32
// and Float64 -- float16 backed by github.com/x448/float16.
//
// Tensors are plain host values: no device placement and no sharding. Distributed
// placement is the job of an external runtime; this package is the reference
// substrate the attention core computes against.
package tensors

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/xslices"
)

// Tensor is a named-dimension array value. The shape and dtype are fixed at
// construction; the data buffer is mutable through MutableFlatData.
type Tensor struct {
	shape dims.Shape
	dtype dtypes.DType
	flat  any
}

// FromShape returns a zero-initialized tensor with the given dtype and shape.
func FromShape(dtype dtypes.DType, shape dims.Shape) *Tensor {
	t := &Tensor{shape: shape.Clone(), dtype: dtype}
	size := shape.Size()
	switch dtype {
	case dtypes.Bool:
		t.flat = make([]bool, size)
	case dtypes.Int32:
		t.flat = make([]int32, size)
	case dtypes.Float16:
		t.flat = make([]float16.Float16, size)
	case dtypes.Float32:
		t.flat = make([]float32, size)
	case dtypes.Float64:
		t.flat = make([]float64, size)
	default:
		Panicf("tensors.FromShape: dtype %s not supported -- supported dtypes are "+
			"Bool, Int32, Float16, Float32 and Float64", dtype)
	}
	return t
}

// FromFlatData returns a tensor of the given shape with the given flat data, taken
// in row-major order of the shape's axes. The data is copied. The dtype is inferred
// from T.
func FromFlatData[T dtypes.Supported](shape dims.Shape, data []T) *Tensor {
	if len(data) != shape.Size() {
		Panicf("tensors.FromFlatData: shape %s has %d elements, got %d values",
			shape, shape.Size(), len(data))
	}
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(dtype, shape)
	copy(t.flat.([]T), data)
	return t
}

// FromScalar returns a rank-0 tensor holding the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatData(dims.Scalar(), []T{value})
}

// Full returns a tensor of the given shape with every element set to value.
func Full[T dtypes.Supported](shape dims.Shape, value T) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(dtype, shape)
	flat := t.flat.([]T)
	for ii := range flat {
		flat[ii] = value
	}
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() dims.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor is rank-0.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the bytes used by the data buffer.
func (t *Tensor) Memory() uintptr {
	return t.dtype.Memory() * uintptr(t.Size())
}

// WithShape returns a tensor sharing this tensor's data but carrying the given
// shape. The new shape must have the same total size. This is the zero-copy
// "reinterpret the axis decomposition" primitive that ops.ReplaceDims builds on.
func (t *Tensor) WithShape(shape dims.Shape) *Tensor {
	if shape.Size() != t.Size() {
		Panicf("Tensor.WithShape: new shape %s has %d elements, tensor has %d",
			shape, shape.Size(), t.Size())
	}
	return &Tensor{shape: shape.Clone(), dtype: t.dtype, flat: t.flat}
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t2 := FromShape(t.dtype, t.shape)
	copyFlatAny(t2.flat, t.flat)
	return t2
}

func copyFlatAny(dst, src any) {
	switch s := src.(type) {
	case []bool:
		copy(dst.([]bool), s)
	case []int32:
		copy(dst.([]int32), s)
	case []float16.Float16:
		copy(dst.([]float16.Float16), s)
	case []float32:
		copy(dst.([]float32), s)
	case []float64:
		copy(dst.([]float64), s)
	}
}

// ConstFlatData returns the flat data of the tensor for reading. It panics if T
// does not match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		Panicf("tensors.ConstFlatData[%s]: tensor dtype is %s",
			dtypes.FromGenericsType[T](), t.dtype)
	}
	return flat
}

// MutableFlatData returns the flat data of the tensor for modification. It panics
// if T does not match the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor) []T {
	return ConstFlatData[T](t)
}

// CopyFlatData returns a copy of the flat data.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	return xslices.Copy(ConstFlatData[T](t))
}

// ToScalar returns the value of a rank-0 tensor.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.IsScalar() {
		Panicf("tensors.ToScalar: tensor is not a scalar, shape=%s", t.shape)
	}
	return ConstFlatData[T](t)[0]
}

// FlatAny returns the flat data buffer with its dynamic type -- one of []bool,
// []int32, []float16.Float16, []float32 or []float64.
func (t *Tensor) FlatAny() any { return t.flat }

// FloatAt returns the element at the given flat index converted to float64. Only
// valid for float dtypes.
func (t *Tensor) FloatAt(flatIdx int) float64 {
	switch flat := t.flat.(type) {
	case []float16.Float16:
		return float64(flat[flatIdx].Float32())
	case []float32:
		return float64(flat[flatIdx])
	case []float64:
		return flat[flatIdx]
	}
	Panicf("Tensor.FloatAt: dtype %s is not a float", t.dtype)
	return 0
}

// SetFloatAt sets the element at the given flat index from a float64. Only valid
// for float dtypes.
func (t *Tensor) SetFloatAt(flatIdx int, value float64) {
	switch flat := t.flat.(type) {
	case []float16.Float16:
		flat[flatIdx] = float16.Fromfloat32(float32(value))
	case []float32:
		flat[flatIdx] = float32(value)
	case []float64:
		flat[flatIdx] = value
	default:
		Panicf("Tensor.SetFloatAt: dtype %s is not a float", t.dtype)
	}
}

// Equal compares shape, dtype and every element.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if t.dtype != t2.dtype || !t.shape.Equal(t2.shape) {
		return false
	}
	switch flat := t.flat.(type) {
	case []bool:
		flat2 := t2.flat.([]bool)
		for ii, v := range flat {
			if flat2[ii] != v {
				return false
			}
		}
	case []int32:
		flat2 := t2.flat.([]int32)
		for ii, v := range flat {
			if flat2[ii] != v {
				return false
			}
		}
	case []float16.Float16:
		flat2 := t2.flat.([]float16.Float16)
		for ii, v := range flat {
			if flat2[ii] != v {
				return false
			}
		}
	case []float32:
		flat2 := t2.flat.([]float32)
		for ii, v := range flat {
			if flat2[ii] != v {
				return false
			}
		}
	case []float64:
		flat2 := t2.flat.([]float64)
		for ii, v := range flat {
			if flat2[ii] != v {
				return false
			}
		}
	}
	return true
}

// maxElementsToPrint in Tensor.String before it falls back to a summary.
const maxElementsToPrint = 64

// String prints the shape, dtype and, for small tensors, the values. Larger tensors
// print the buffer size instead.
func (t *Tensor) String() string {
	if t.Size() > maxElementsToPrint {
		return fmt.Sprintf("(%s)%s: %s", t.dtype, t.shape, humanize.Bytes(uint64(t.Memory())))
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)%s: ", t.dtype, t.shape)
	switch flat := t.flat.(type) {
	case []float16.Float16:
		values := make([]float32, len(flat))
		for ii, v := range flat {
			values[ii] = v.Float32()
		}
		_, _ = fmt.Fprintf(&sb, "%v", values)
	default:
		_, _ = fmt.Fprintf(&sb, "%v", flat)
	}
	return sb.String()
}
