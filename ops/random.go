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
	"math/rand"

	. "github.com/gomlx/exceptions"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// Dropout zeroes each element of x with probability rate and scales the kept
// elements by 1/(1-rate), so the expected value is preserved.
//
// noiseShape controls the broadcast pattern of the noise: it must be a subset of
// x's shape, and one random draw is made per noiseShape element, shared by all x
// elements that broadcast onto it. Pass x.Shape() for fully independent noise.
//
// Randomness comes from the given rng: reproducibility is the caller's seeding
// contract, this op only defines where the noise is applied.
func Dropout(x *tensors.Tensor, rate float64, noiseShape dims.Shape, rng *rand.Rand) *tensors.Tensor {
	if !x.DType().IsFloat() {
		Panicf("ops.Dropout: invalid dtype (%s), it must be float", x.DType())
	}
	if rate < 0 || rate >= 1 {
		Panicf("ops.Dropout: rate must be in [0, 1), got %g", rate)
	}
	if rate == 0 {
		return x.Clone()
	}
	for _, d := range noiseShape.Dimensions {
		if !x.Shape().Has(d) {
			Panicf("ops.Dropout: noise axis %s not present in x (shape=%s)", d, x.Shape())
		}
	}
	keep := 1 - rate
	scale := 1 / keep
	noise := tensors.FromShape(x.DType(), noiseShape)
	for ii := 0; ii < noise.Size(); ii++ {
		if rng.Float64() < keep {
			noise.SetFloatAt(ii, scale)
		}
	}
	return Mul(x, noise)
}
