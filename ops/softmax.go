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
	"math"

	. "github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// Softmax computes softmax over the named dimension, which must be present in x
// with a matching size. It is implemented in a numerically stable way, subtracting
// the lane maximum before exponentiating.
//
// An optional extraLogit participates in the normalization as one extra logit
// shared by the whole lane: it joins the maximum and contributes exp(extraLogit)
// to the denominator, but produces no output element. It is used to implement
// running or "escape" normalizers.
func Softmax(x *tensors.Tensor, dim dims.Dimension, extraLogit ...float64) *tensors.Tensor {
	return softmaxImpl("Softmax", x, dim, extraLogit, false)
}

// LogSoftmax computes log(softmax(x)) over the named dimension, in a numerically
// stable way. See Softmax for the extraLogit semantics.
func LogSoftmax(x *tensors.Tensor, dim dims.Dimension, extraLogit ...float64) *tensors.Tensor {
	return softmaxImpl("LogSoftmax", x, dim, extraLogit, true)
}

func softmaxImpl(opName string, x *tensors.Tensor, dim dims.Dimension, extraLogit []float64, logSpace bool) *tensors.Tensor {
	if !x.DType().IsFloat() {
		Panicf("ops.%s: invalid dtype (%s), it must be float", opName, x.DType())
	}
	if len(extraLogit) > 1 {
		Panicf("ops.%s: at most one extraLogit can be given, got %d", opName, len(extraLogit))
	}
	axis := x.Shape().IndexOf(dim.Name)
	if axis < 0 || x.Shape().Dimensions[axis].Size != dim.Size {
		Panicf("ops.%s: dimension %s not present in x (shape=%s)", opName, dim, x.Shape())
	}
	laneStride := x.Shape().Strides()[axis]
	laneSize := dim.Size

	out := tensors.FromShape(x.DType(), x.Shape())
	scratch := make([]float64, laneSize)
	lanes(x.Shape(), axis, func(base int) {
		for ii := 0; ii < laneSize; ii++ {
			scratch[ii] = x.FloatAt(base + ii*laneStride)
		}
		zMax := floats.Max(scratch)
		var extraTerm float64
		if len(extraLogit) > 0 {
			zMax = math.Max(zMax, extraLogit[0])
			extraTerm = math.Exp(extraLogit[0] - zMax)
		}
		for ii := range scratch {
			scratch[ii] = math.Exp(scratch[ii] - zMax)
		}
		denominator := floats.Sum(scratch) + extraTerm
		if logSpace {
			logDenominator := math.Log(denominator)
			for ii := range scratch {
				out.SetFloatAt(base+ii*laneStride, x.FloatAt(base+ii*laneStride)-zMax-logDenominator)
			}
			return
		}
		floats.Scale(1/denominator, scratch)
		for ii := range scratch {
			out.SetFloatAt(base+ii*laneStride, scratch[ii])
		}
	})
	return out
}
