/*
 * force.go, part of asyncre
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

package nnp

import (
	"github.com/pkg/errors"
	v3 "github.com/rmera/gochem/v3"
)

const (
	NmToAngstrom = 10.0
	EVToKJPerMol = 96.4915666370759
)

// maxForceGroup is the largest force group an OpenMM force can have.
const maxForceGroup = 31

// TorchMDNETForce evaluates a model on a subset of the system's atoms.
// It implements engine.Force.
type TorchMDNETForce struct {
	model         Model
	atomIndices   []int
	atomicNumbers []int //already in atomIndices order
	group         int
	props         map[string]string
}

// NewTorchMDNETForce loads modelFile and builds a force acting on the atoms
// in atomIndices, in that order. atomicNumbers has one entry per atom of
// the whole topology.
func NewTorchMDNETForce(modelFile string, atomicNumbers, atomIndices []int, maxNumNeighbors int) (*TorchMDNETForce, error) {
	z, err := selectNumbers(atomicNumbers, atomIndices)
	if err != nil {
		return nil, err
	}
	model, err := LoadModel(modelFile, maxNumNeighbors)
	if err != nil {
		return nil, err
	}
	return &TorchMDNETForce{
		model:         model,
		atomIndices:   append([]int(nil), atomIndices...),
		atomicNumbers: z,
		props:         map[string]string{},
	}, nil
}

func selectNumbers(atomicNumbers, atomIndices []int) ([]int, error) {
	if len(atomIndices) == 0 {
		return nil, errors.New("nnp: no atoms selected for the model")
	}
	z := make([]int, len(atomIndices))
	for i, idx := range atomIndices {
		if idx < 0 || idx >= len(atomicNumbers) {
			return nil, errors.Errorf("nnp: atom index %d out of range for a topology of %d atoms", idx, len(atomicNumbers))
		}
		z[i] = atomicNumbers[idx]
	}
	return z, nil
}

// Energy returns the model energy, in kJ/mol, for the positions pos (nm)
// of the whole system.
func (F *TorchMDNETForce) Energy(pos *v3.Matrix) (float64, error) {
	for _, idx := range F.atomIndices {
		if idx >= pos.NVecs() {
			return 0, errors.Errorf("nnp: atom index %d out of range for %d positions", idx, pos.NVecs())
		}
	}
	sel := v3.Zeros(len(F.atomIndices))
	sel.SomeVecs(pos, F.atomIndices)
	sel.Scale(NmToAngstrom, sel)
	e, err := F.model.Forward(F.atomicNumbers, sel)
	if err != nil {
		return 0, errors.Wrap(err, "nnp: model evaluation")
	}
	return e * EVToKJPerMol, nil
}

// AtomIndices returns a copy of the atoms the force acts on.
func (F *TorchMDNETForce) AtomIndices() []int {
	return append([]int(nil), F.atomIndices...)
}

// AtomicNumbers returns a copy of the atomic numbers passed to the model.
func (F *TorchMDNETForce) AtomicNumbers() []int {
	return append([]int(nil), F.atomicNumbers...)
}

func (F *TorchMDNETForce) ForceGroup() int { return F.group }

func (F *TorchMDNETForce) SetForceGroup(g int) error {
	if g < 0 || g > maxForceGroup {
		return errors.Errorf("nnp: force group %d outside 0-%d", g, maxForceGroup)
	}
	F.group = g
	return nil
}

// SetProperty sets an execution property of the force, such as useCUDAGraphs.
func (F *TorchMDNETForce) SetProperty(name, value string) {
	F.props[name] = value
}

func (F *TorchMDNETForce) Property(name string) (string, bool) {
	v, ok := F.props[name]
	return v, ok
}
