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

// Package dims defines Dimension and Shape, the named-axis model used throughout
// the library.
//
// A Dimension is a named, sized axis of a tensor. Two dimensions are equal iff both
// their name and size match. A Shape is an ordered list of dimensions with unique
// names: the order is the canonical (row-major) layout of a tensor's data, but most
// operations address axes by name, so for computation purposes a Shape behaves like
// a set. Shape algebra (Add and Sub) is set union/difference by name.
//
// ## Glossary
//
//   - Rank: number of axes of a Shape.
//   - Axis/Dimension: a named, sized index dimension. Unlike positional-axis tensor
//     libraries, here an axis is identified by its name, not its position.
//   - Size: the product of all dimension sizes, i.e., number of elements of a tensor
//     of this shape.
//
// Example: a batch of token embeddings could have shape
// `dims.Make(dims.D("batch", 4), dims.D("length", 128), dims.D("d_model", 512))`.
package dims

import (
	"fmt"

	. "github.com/gomlx/exceptions"
)

// Dimension is a named, sized axis. It is an immutable value object: compare with ==.
type Dimension struct {
	Name string
	Size int
}

// D creates a Dimension with the given name and size. It panics if the name is empty
// or the size is not positive.
func D(name string, size int) Dimension {
	if name == "" {
		Panicf("dims.D: dimension name cannot be empty")
	}
	if size <= 0 {
		Panicf("dims.D(%q, %d): dimension size must be positive", name, size)
	}
	return Dimension{Name: name, Size: size}
}

// String implements fmt.Stringer.
func (d Dimension) String() string {
	return fmt.Sprintf("%s=%d", d.Name, d.Size)
}

// Combine merges a list of dimensions into a single dimension named after the first
// one, with size equal to the product of all sizes.
//
// It is the forward direction of the head-axes fusion used by the attention
// projections; the inverse is performed with ops.ReplaceDims given the original list.
func Combine(axes []Dimension) Dimension {
	if len(axes) == 0 {
		Panicf("dims.Combine: cannot combine an empty list of dimensions")
	}
	size := 1
	for _, axis := range axes {
		size *= axis.Size
	}
	return Dimension{Name: axes[0].Name, Size: size}
}
