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

package dims

import (
	"encoding/gob"
	"slices"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/r0king/mesh/types/xslices"
)

// Shape is an ordered list of named dimensions. Use Make to create one.
//
// The zero value is a valid scalar shape (rank 0, size 1).
type Shape struct {
	Dimensions []Dimension
}

// Make returns a Shape with the given dimensions. It panics if two dimensions share
// a name.
func Make(dimensions ...Dimension) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for ii, dim := range s.Dimensions {
		if dim.Size <= 0 {
			Panicf("dims.Make(%s): cannot create a shape with an axis with size <= 0", s)
		}
		for _, other := range s.Dimensions[:ii] {
			if other.Name == dim.Name {
				Panicf("dims.Make(%s): duplicate dimension name %q", s, dim.Name)
			}
		}
	}
	return s
}

// Scalar returns a rank-0 shape.
func Scalar() Shape { return Shape{} }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has no dimensions.
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Size returns the number of elements a tensor of this shape holds. It's the product
// of all dimension sizes; 1 for scalars.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d.Size
	}
	return
}

// Dim returns the dimension at the given axis position. The axis can be negative, in
// which case it counts from the end -- so axis=-1 refers to the last dimension.
func (s Shape) Dim(axis int) Dimension {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// IndexOf returns the axis position of the dimension with the given name, or -1 if
// the shape has no such dimension.
func (s Shape) IndexOf(name string) int {
	return slices.IndexFunc(s.Dimensions, func(d Dimension) bool { return d.Name == name })
}

// Has returns whether the shape contains the given dimension, matching both name and
// size.
func (s Shape) Has(dim Dimension) bool {
	idx := s.IndexOf(dim.Name)
	return idx >= 0 && s.Dimensions[idx].Size == dim.Size
}

// HasName returns whether the shape contains a dimension with the given name,
// whatever its size.
func (s Shape) HasName(name string) bool { return s.IndexOf(name) >= 0 }

// Add returns the union of the shape with the given dimensions: dimensions with new
// names are appended in order, dimensions already present are left where they are.
// A name collision with a different size panics.
func (s Shape) Add(dimensions ...Dimension) Shape {
	result := Shape{Dimensions: slices.Clone(s.Dimensions)}
	for _, dim := range dimensions {
		idx := result.IndexOf(dim.Name)
		if idx < 0 {
			result.Dimensions = append(result.Dimensions, dim)
			continue
		}
		if result.Dimensions[idx].Size != dim.Size {
			Panicf("Shape.Add: dimension %s conflicts with existing %s in shape %s",
				dim, result.Dimensions[idx], s)
		}
	}
	return result
}

// Sub returns the shape with the given dimensions removed, matched by name. Names
// not present are ignored.
func (s Shape) Sub(dimensions ...Dimension) Shape {
	result := Shape{Dimensions: make([]Dimension, 0, s.Rank())}
	for _, dim := range s.Dimensions {
		if slices.ContainsFunc(dimensions, func(d Dimension) bool { return d.Name == dim.Name }) {
			continue
		}
		result.Dimensions = append(result.Dimensions, dim)
	}
	return result
}

// Equal compares two shapes: same dimensions (name and size) in the same order.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualUnordered compares two shapes as dimension sets, ignoring the axis order.
func (s Shape) EqualUnordered(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	for _, dim := range s.Dimensions {
		if !s2.Has(dim) {
			return false
		}
	}
	return true
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Names returns the dimension names in axis order.
func (s Shape) Names() []string {
	return xslices.Map(s.Dimensions, func(d Dimension) string { return d.Name })
}

// Sizes returns the dimension sizes in axis order.
func (s Shape) Sizes() []int {
	return xslices.Map(s.Dimensions, func(d Dimension) int { return d.Size })
}

// Strides returns the row-major stride of each axis, in elements.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis].Size
	}
	return strides
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.IsScalar() {
		return "[]"
	}
	parts := make([]string, 0, s.Rank())
	for _, d := range s.Dimensions {
		parts = append(parts, d.String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// GobSerialize shape in binary format.
func (s Shape) GobSerialize(encoder *gob.Encoder) (err error) {
	enc := func(e any) {
		if err != nil {
			return
		}
		err = encoder.Encode(e)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize Shape %s", s)
		}
	}
	enc(s.Rank())
	for _, d := range s.Dimensions {
		enc(d.Name)
		enc(d.Size)
	}
	return
}

// GobDeserialize a Shape. Returns new Shape or an error.
func GobDeserialize(decoder *gob.Decoder) (s Shape, err error) {
	dec := func(data any) {
		if err != nil {
			return
		}
		err = decoder.Decode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to deserialize Shape")
		}
	}
	var rank int
	dec(&rank)
	if err != nil {
		return
	}
	s.Dimensions = make([]Dimension, rank)
	for ii := range s.Dimensions {
		dec(&s.Dimensions[ii].Name)
		dec(&s.Dimensions[ii].Size)
	}
	return
}
