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

package mesh

import (
	"encoding/gob"
	"io"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/tensors"
)

// Save writes all variables of the Mesh, in creation order, to the given writer in
// gob format.
func (m *Mesh) Save(w io.Writer) (err error) {
	encoder := gob.NewEncoder(w)
	err = encoder.Encode(len(m.order))
	if err != nil {
		return errors.Wrapf(err, "mesh %q: failed to write checkpoint header", m.name)
	}
	for _, name := range m.order {
		v := m.variables[name]
		err = saveVariable(encoder, v)
		if err != nil {
			return errors.Wrapf(err, "mesh %q: failed to save variable %q", m.name, name)
		}
	}
	return nil
}

func saveVariable(encoder *gob.Encoder, v *Variable) (err error) {
	enc := func(e any) {
		if err == nil {
			err = encoder.Encode(e)
		}
	}
	enc(v.name)
	enc(v.value.DType())
	if err != nil {
		return
	}
	err = v.value.Shape().GobSerialize(encoder)
	if err != nil {
		return
	}
	enc(v.value.FlatAny())
	return
}

// Load reads a checkpoint written by Save and assigns the values to this Mesh's
// variables, matched by name. Saved variables not present in the Mesh are skipped
// with a warning; a dtype or shape mismatch is an error.
func (m *Mesh) Load(r io.Reader) (err error) {
	decoder := gob.NewDecoder(r)
	var count int
	err = decoder.Decode(&count)
	if err != nil {
		return errors.Wrapf(err, "mesh %q: failed to read checkpoint header", m.name)
	}
	for ii := 0; ii < count; ii++ {
		var name string
		var value *tensors.Tensor
		name, value, err = loadVariable(decoder)
		if err != nil {
			return errors.Wrapf(err, "mesh %q: failed to load variable #%d", m.name, ii)
		}
		v, found := m.variables[name]
		if !found {
			klog.Warningf("mesh %q: checkpoint has variable %q not present in the mesh, skipping", m.name, name)
			continue
		}
		if v.value.DType() != value.DType() || !v.value.Shape().Equal(value.Shape()) {
			return errors.Errorf("mesh %q: checkpoint variable %q has dtype=%s shape=%s, mesh variable has dtype=%s shape=%s",
				m.name, name, value.DType(), value.Shape(), v.value.DType(), v.value.Shape())
		}
		v.value = value
	}
	return nil
}

func loadVariable(decoder *gob.Decoder) (name string, value *tensors.Tensor, err error) {
	dec := func(data any) {
		if err == nil {
			err = decoder.Decode(data)
		}
	}
	dec(&name)
	var dtype dtypes.DType
	dec(&dtype)
	if err != nil {
		return
	}
	var shape dims.Shape
	shape, err = dims.GobDeserialize(decoder)
	if err != nil {
		return
	}
	switch dtype {
	case dtypes.Bool:
		var flat []bool
		dec(&flat)
		if err == nil {
			value = tensors.FromFlatData(shape, flat)
		}
	case dtypes.Int32:
		var flat []int32
		dec(&flat)
		if err == nil {
			value = tensors.FromFlatData(shape, flat)
		}
	case dtypes.Float16:
		var flat []float16.Float16
		dec(&flat)
		if err == nil {
			value = tensors.FromFlatData(shape, flat)
		}
	case dtypes.Float32:
		var flat []float32
		dec(&flat)
		if err == nil {
			value = tensors.FromFlatData(shape, flat)
		}
	case dtypes.Float64:
		var flat []float64
		dec(&flat)
		if err == nil {
			value = tensors.FromFlatData(shape, flat)
		}
	default:
		err = errors.Errorf("unsupported dtype %s in checkpoint", dtype)
	}
	return
}
