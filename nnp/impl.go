/*
 * impl.go, part of asyncre
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
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rmera/asyncre/engine"
	chem "github.com/rmera/gochem"
)

// Impl adds the forces of one machine-learned potential to a system.
type Impl interface {
	AddForces(mol *chem.Molecule, sys *engine.System, atomIndices []int, forceGroup int) error
}

// ImplFactory creates an Impl. It is what potential implementations register.
type ImplFactory interface {
	CreateImpl(name, modelFile string, maxNumNeighbors int, useCUDAGraphs bool) (Impl, error)
}

var (
	factoriesMu sync.RWMutex
	factories   = map[string]ImplFactory{}
)

// RegisterImplFactory makes a potential available under name.
func RegisterImplFactory(name string, f ImplFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// NewMLPotential creates the potential registered as name.
func NewMLPotential(name, modelFile string, maxNumNeighbors int, useCUDAGraphs bool) (Impl, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("nnp: no potential registered as %q", name)
	}
	return f.CreateImpl(name, modelFile, maxNumNeighbors, useCUDAGraphs)
}

func init() {
	RegisterImplFactory("TorchMD-NET", torchMDNETFactory{})
}

type torchMDNETFactory struct{}

func (torchMDNETFactory) CreateImpl(name, modelFile string, maxNumNeighbors int, useCUDAGraphs bool) (Impl, error) {
	if maxNumNeighbors <= 0 {
		return nil, errors.Errorf("nnp: invalid maximum number of neighbors %d", maxNumNeighbors)
	}
	return &TorchMDNETImpl{Name: name, ModelFile: modelFile, MaxNumNeighbors: maxNumNeighbors, UseCUDAGraphs: useCUDAGraphs}, nil
}

type TorchMDNETImpl struct {
	Name            string
	ModelFile       string
	MaxNumNeighbors int
	UseCUDAGraphs   bool
}

// AddForces builds a TorchMDNETForce over atomIndices of mol and adds it to sys
// in the given force group.
func (T *TorchMDNETImpl) AddForces(mol *chem.Molecule, sys *engine.System, atomIndices []int, forceGroup int) error {
	z, err := AtomicNumbers(mol)
	if err != nil {
		return err
	}
	force, err := NewTorchMDNETForce(T.ModelFile, z, atomIndices, T.MaxNumNeighbors)
	if err != nil {
		return err
	}
	cg := "false"
	if T.UseCUDAGraphs {
		cg = "true"
	}
	force.SetProperty("useCUDAGraphs", cg)
	if err := force.SetForceGroup(forceGroup); err != nil {
		return err
	}
	sys.AddForce(force)
	return nil
}

// AtomicNumbers returns the atomic number of every atom in mol,
// from its element symbol.
func AtomicNumbers(mol *chem.Molecule) ([]int, error) {
	ret := make([]int, mol.Len())
	for i := range ret {
		at := mol.Atom(i)
		s := at.Symbol
		if len(s) > 0 {
			s = strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
		}
		z, ok := symbolZ[s]
		if !ok {
			return nil, errors.Errorf("nnp: unknown element %q for atom %d", at.Symbol, i)
		}
		ret[i] = z
	}
	return ret, nil
}

// elements holds the element symbols in order of atomic number, up to Lr.
var elements = []string{"",
	"H", "He", "Li", "Be", "B", "C", "N", "O", "F", "Ne",
	"Na", "Mg", "Al", "Si", "P", "S", "Cl", "Ar", "K", "Ca",
	"Sc", "Ti", "V", "Cr", "Mn", "Fe", "Co", "Ni", "Cu", "Zn",
	"Ga", "Ge", "As", "Se", "Br", "Kr", "Rb", "Sr", "Y", "Zr",
	"Nb", "Mo", "Tc", "Ru", "Rh", "Pd", "Ag", "Cd", "In", "Sn",
	"Sb", "Te", "I", "Xe", "Cs", "Ba", "La", "Ce", "Pr", "Nd",
	"Pm", "Sm", "Eu", "Gd", "Tb", "Dy", "Ho", "Er", "Tm", "Yb",
	"Lu", "Hf", "Ta", "W", "Re", "Os", "Ir", "Pt", "Au", "Hg",
	"Tl", "Pb", "Bi", "Po", "At", "Rn", "Fr", "Ra", "Ac", "Th",
	"Pa", "U", "Np", "Pu", "Am", "Cm", "Bk", "Cf", "Es", "Fm",
	"Md", "No", "Lr",
}

var symbolZ = func() map[string]int {
	m := make(map[string]int, len(elements))
	for z, s := range elements[1:] {
		m[s] = z + 1
	}
	return m
}()
