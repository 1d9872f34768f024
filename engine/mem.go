/*
 * mem.go, part of asyncre
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

package engine

import (
	"github.com/pkg/errors"
	v3 "github.com/rmera/gochem/v3"
)

// MemContext keeps the whole context in memory. Step does not move
// the atoms, it only evaluates the system's forces on the current
// positions and advances the step counter, which is all the replica
// core can observe from an engine.
type MemContext struct {
	sys    *System
	params map[string]float64
	pos    *v3.Matrix
	vel    *v3.Matrix
	box    *v3.Matrix
}

// NewMemContext returns a context for sys with the given phase-space point.
// vel and box may be nil, in which case they are zeroed. Every bound
// parameter, and the ATM parameters if the system has an ATM force,
// start at zero.
func NewMemContext(sys *System, pos, vel, box *v3.Matrix) (*MemContext, error) {
	if pos == nil {
		return nil, errors.New("engine: nil positions")
	}
	if err := sys.Parameter.Validate(); err != nil {
		return nil, err
	}
	n := pos.NVecs()
	if sys.Mol != nil && sys.NAtoms() != n {
		return nil, errors.Errorf("engine: %d positions for a system of %d atoms", n, sys.NAtoms())
	}
	C := &MemContext{sys: sys, params: make(map[string]float64), pos: copyMatrix(pos)}
	if vel == nil {
		vel = v3.Zeros(n)
	}
	if vel.NVecs() != n {
		return nil, errors.Errorf("engine: %d velocities for %d positions", vel.NVecs(), n)
	}
	C.vel = copyMatrix(vel)
	if box == nil {
		box = v3.Zeros(3)
	}
	C.box = copyMatrix(box)
	for _, name := range sys.Parameter {
		C.params[name] = 0
	}
	if a := sys.ATM; a != nil {
		for _, name := range []string{a.Lambda1(), a.Lambda2(), a.Alpha(), a.U0(), a.W0(), a.Direction()} {
			C.params[name] = 0
		}
	}
	return C, nil
}

func (C *MemContext) Parameter(name string) (float64, error) {
	v, ok := C.params[name]
	if !ok {
		return 0, errors.Errorf("engine: unknown parameter %q", name)
	}
	return v, nil
}

func (C *MemContext) SetParameter(name string, value float64) error {
	if _, ok := C.params[name]; !ok {
		return errors.Errorf("engine: unknown parameter %q", name)
	}
	C.params[name] = value
	return nil
}

func (C *MemContext) Positions() *v3.Matrix  { return copyMatrix(C.pos) }
func (C *MemContext) Velocities() *v3.Matrix { return copyMatrix(C.vel) }
func (C *MemContext) Box() *v3.Matrix        { return copyMatrix(C.box) }

func (C *MemContext) SetPositions(pos *v3.Matrix) error {
	if pos == nil || pos.NVecs() != C.pos.NVecs() {
		return errors.New("engine: positions don't match the context size")
	}
	C.pos = copyMatrix(pos)
	return nil
}

func (C *MemContext) SetVelocities(vel *v3.Matrix) error {
	if vel == nil || vel.NVecs() != C.pos.NVecs() {
		return errors.New("engine: velocities don't match the context size")
	}
	C.vel = copyMatrix(vel)
	return nil
}

func (C *MemContext) SetBox(box *v3.Matrix) error {
	if box == nil || box.NVecs() != 3 {
		return errors.New("engine: the box needs exactly 3 vectors")
	}
	C.box = copyMatrix(box)
	return nil
}

// Step evaluates all forces and stores their sum as the potential energy,
// then adds n to the MD step counter.
func (C *MemContext) Step(n int) error {
	if n < 0 {
		return errors.Errorf("engine: negative number of steps %d", n)
	}
	var pot float64
	for i, f := range C.sys.Forces() {
		e, err := f.Energy(C.pos)
		if err != nil {
			return errors.Wrapf(err, "engine: force %d (group %d)", i, f.ForceGroup())
		}
		pot += e
	}
	b := C.sys.Parameter
	C.params[b.Name(PotentialEnergy)] = pot
	C.params[b.Name(MDSteps)] += float64(n)
	return nil
}

func (C *MemContext) SaveState(filename string) error {
	return WriteState(NewState(C.params, C.pos, C.vel, C.box), filename)
}

// LoadState replaces the context's parameters and phase-space point
// with those in filename.
func (C *MemContext) LoadState(filename string) error {
	S, err := ReadState(filename)
	if err != nil {
		return err
	}
	pos := S.PosMatrix()
	if pos == nil || pos.NVecs() != C.pos.NVecs() {
		return errors.Errorf("engine: state in %s doesn't match the context size", filename)
	}
	vel := S.VelMatrix()
	if vel == nil {
		vel = v3.Zeros(pos.NVecs())
	}
	if vel.NVecs() != pos.NVecs() {
		return errors.Errorf("engine: %d velocities for %d positions in %s", vel.NVecs(), pos.NVecs(), filename)
	}
	C.pos, C.vel = pos, vel
	if box := S.BoxMatrix(); box != nil {
		C.box = box
	}
	for k, v := range S.ParamMap() {
		C.params[k] = v
	}
	return nil
}
