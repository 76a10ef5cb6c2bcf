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

// Package mesh holds the execution context the attention layers build parameters
// on: a Mesh handle with a variable registry, parameter initializers and
// checkpointing.
//
// A Mesh here is the logical device-mesh handle of the model: it owns the model's
// variables (created once, read-only from the layers' perspective -- training
// updates happen outside this library's contract), the random source used by
// initializers and dropout, and model-wide conventions such as unit scaling.
//
// Placement of variables and tensors onto physical devices is delegated to an
// external runtime; this in-process Mesh keeps everything on the host.
package mesh

import (
	"math/rand"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/r0king/mesh/types/dims"
	"github.com/r0king/mesh/types/xslices"
)

// DefaultRandomSeed used when no seed is given with WithRandomSeed. Fixed so that
// parameter initialization is reproducible by default.
const DefaultRandomSeed = int64(42)

// Mesh is the handle onto which variables are created. Create it with New.
//
// A Mesh is not safe for concurrent variable creation; the forward computations
// themselves only read variables and can run concurrently.
type Mesh struct {
	name string
	id   string

	unitScaling bool
	rng         *rand.Rand

	variables map[string]*Variable
	order     []string
}

// Option configures a Mesh on creation.
type Option func(m *Mesh)

// WithUnitScaling sets the unit-scaling convention: all parameter initializers use
// unit variance instead of fan-in scaled variance.
func WithUnitScaling() Option {
	return func(m *Mesh) { m.unitScaling = true }
}

// WithRandomSeed sets the seed of the random source used by initializers.
func WithRandomSeed(seed int64) Option {
	return func(m *Mesh) { m.rng = rand.New(rand.NewSource(seed)) }
}

// New creates a Mesh with the given name.
func New(name string, options ...Option) *Mesh {
	m := &Mesh{
		name:      name,
		id:        uuid.NewString(),
		rng:       rand.New(rand.NewSource(DefaultRandomSeed)),
		variables: make(map[string]*Variable),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Name given at creation.
func (m *Mesh) Name() string { return m.name }

// ID is a unique identifier of this Mesh instance.
func (m *Mesh) ID() string { return m.id }

// UnitScaling reports whether the unit-scaling initialization convention is set.
func (m *Mesh) UnitScaling() bool { return m.unitScaling }

// Rand returns the Mesh's random source, used by initializers and dropout.
func (m *Mesh) Rand() *rand.Rand { return m.rng }

// GetVariable returns the variable with the given name, creating and initializing
// it if it doesn't exist yet.
//
// If the variable already exists it is reused, and the requested dtype and shape
// must match the original ones -- a mismatch is a configuration error and panics.
func (m *Mesh) GetVariable(name string, dtype dtypes.DType, shape dims.Shape, initializer Initializer) *Variable {
	if v, found := m.variables[name]; found {
		if v.value.DType() != dtype || !v.value.Shape().Equal(shape) {
			Panicf("mesh %q: variable %q already exists with dtype=%s shape=%s, requested dtype=%s shape=%s",
				m.name, name, v.value.DType(), v.value.Shape(), dtype, shape)
		}
		return v
	}
	if initializer == nil {
		initializer = Zeros
	}
	v := &Variable{name: name, value: initializer(m.rng, dtype, shape)}
	m.variables[name] = v
	m.order = append(m.order, name)
	klog.V(2).Infof("mesh %q: created variable %q, dtype=%s, shape=%s", m.name, name, dtype, shape)
	return v
}

// InspectVariable returns the variable with the given name, or nil if it was never
// created. It doesn't create anything, so it's safe for tests and tools.
func (m *Mesh) InspectVariable(name string) *Variable {
	return m.variables[name]
}

// Variables returns all variables in creation order.
func (m *Mesh) Variables() []*Variable {
	return xslices.Map(m.order, func(name string) *Variable { return m.variables[name] })
}

// NumVariables returns the number of variables created on this Mesh.
func (m *Mesh) NumVariables() int { return len(m.variables) }
