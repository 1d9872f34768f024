/*
 * context.go, part of asyncre
 *
 *
 * Copyright 2026 Raul Mera <rmera{at}usach(dot)cl>
 *
 *
 *  This program is free software; you can redistribute it and/or modify
 *  it under the terms of the GNU General Public License as published by
 *  the Free Software Foundation; either version 2 of the License, or
 *  (at your option) any later version.
 *
 *  This program is distributed in the hope that it will be useful,
 *  but WITHOUT ANY WARRANTY; without even the implied warranty of
 *  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *  GNU General Public License for more details.
 *
 *  You should have received a copy of the GNU General Public License along
 *  with this program; if not, write to the Free Software Foundation, Inc.,
 *  51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 *
 *
 */

// Package engine defines what asyncre needs from a molecular dynamics engine:
// a live simulation context with a named-parameter channel, phase-space
// access and checkpointing, plus the system description replicas are built from.
// Two backends are provided, an in-memory reference context and an xtb-driven one.
package engine

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	chem "github.com/rmera/gochem"
	v3 "github.com/rmera/gochem/v3"
)

// Context is the live simulation state of one replica's engine.
// Lengths are in nm, velocities in nm/ps, energies in kJ/mol.
type Context interface {
	Parameter(name string) (float64, error)
	SetParameter(name string, value float64) error
	Positions() *v3.Matrix
	SetPositions(pos *v3.Matrix) error
	Velocities() *v3.Matrix
	SetVelocities(vel *v3.Matrix) error
	Box() *v3.Matrix //rows are the a, b, c periodic vectors
	SetBox(box *v3.Matrix) error
	LoadState(filename string) error
	SaveState(filename string) error
	Step(n int) error
}

// ParamKey identifies one of the global parameters the replica core
// keeps in sync with the engine.
type ParamKey int

const (
	Cycle ParamKey = iota
	StateID
	MDSteps
	Temperature
	PotentialEnergy
	PerturbationEnergy
	BiasEnergy
	ATMIntermediate
	nParamKeys
)

var keyNames = [...]string{"cycle", "stateid", "mdsteps", "temperature", "potential_energy", "perturbation_energy", "bias_energy", "atmintermediate"}

func (k ParamKey) String() string {
	if k < 0 || k >= nParamKeys {
		return fmt.Sprintf("ParamKey(%d)", int(k))
	}
	return keyNames[k]
}

// Binding maps each ParamKey to the name the engine uses for it
// in its named-parameter channel.
type Binding map[ParamKey]string

// DefaultBinding returns the channel names used by the asyncre engines.
func DefaultBinding() Binding {
	return Binding{
		Cycle:              "REMDcycle",
		StateID:            "REMDstateid",
		MDSteps:            "REMDmdsteps",
		Temperature:        "REMDtemperature",
		PotentialEnergy:    "REMDpotential",
		PerturbationEnergy: "REMDperturbation",
		BiasEnergy:         "REMDbias",
		ATMIntermediate:    "ATMIntermediate",
	}
}

// Name returns the channel name bound to k. It panics if k is not bound,
// which means the Binding was not validated.
func (B Binding) Name(k ParamKey) string {
	n, ok := B[k]
	if !ok {
		panic("engine: parameter " + k.String() + " not bound")
	}
	return n
}

// Validate checks that every key is bound, to a non-empty and unique name.
func (B Binding) Validate() error {
	seen := make(map[string]ParamKey, len(B))
	missing := make([]string, 0)
	for k := ParamKey(0); k < nParamKeys; k++ {
		n, ok := B[k]
		if !ok || n == "" {
			missing = append(missing, k.String())
			continue
		}
		if prev, ok := seen[n]; ok {
			return errors.Errorf("engine: channel name %q bound to both %s and %s", n, prev, k)
		}
		seen[n] = k
	}
	if len(missing) > 0 {
		return errors.Errorf("engine: unbound parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ATMForce gives the names of the parameters owned by the
// alchemical transfer force.
type ATMForce interface {
	Lambda1() string
	Lambda2() string
	Alpha() string
	U0() string
	W0() string
	Direction() string
}

// DefaultATMForce uses the parameter names of OpenMM's ATMForce.
type DefaultATMForce struct{}

func (DefaultATMForce) Lambda1() string   { return "Lambda1" }
func (DefaultATMForce) Lambda2() string   { return "Lambda2" }
func (DefaultATMForce) Alpha() string     { return "Alpha" }
func (DefaultATMForce) U0() string        { return "Uh" }
func (DefaultATMForce) W0() string        { return "W0" }
func (DefaultATMForce) Direction() string { return "Direction" }

// Force is an energy contribution the engine evaluates on the current positions.
type Force interface {
	Energy(pos *v3.Matrix) (float64, error)
	ForceGroup() int
}

// System is the static description of what is simulated.
type System struct {
	Mol        *chem.Molecule
	MDStepSize float64 //ps
	Parameter  Binding
	ATM        ATMForce //nil for plain temperature exchange
	forces     []Force
}

// NewSystem returns a System for mol with the default parameter binding.
func NewSystem(mol *chem.Molecule, stepsize float64) *System {
	return &System{Mol: mol, MDStepSize: stepsize, Parameter: DefaultBinding()}
}

// AddForce appends f to the system and returns its index.
func (S *System) AddForce(f Force) int {
	S.forces = append(S.forces, f)
	return len(S.forces) - 1
}

// Forces returns the forces in the system.
func (S *System) Forces() []Force {
	return S.forces
}

// NAtoms is the number of atoms in the system topology.
func (S *System) NAtoms() int {
	if S.Mol == nil {
		return 0
	}
	return S.Mol.Len()
}

// Worker pairs a system with the live context that simulates it.
type Worker struct {
	System  *System
	Context Context
}

func copyMatrix(m *v3.Matrix) *v3.Matrix {
	if m == nil {
		return nil
	}
	c := v3.Zeros(m.NVecs())
	c.Copy(m)
	return c
}

// CopyMatrix returns a copy of m that shares no storage with it,
// or nil if m is nil.
func CopyMatrix(m *v3.Matrix) *v3.Matrix {
	return copyMatrix(m)
}
