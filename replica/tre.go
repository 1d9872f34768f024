/*
 * tre.go, part of asyncre
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

package replica

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rmera/asyncre/engine"
)

// TRE synchronizes temperature replica exchange replicas: the counters,
// the temperature and the potential energy.
//
// UnsetGuard selects how Push treats the temperature and the potential
// energy. With the default (false) each is written when the replica has it.
// With UnsetGuard set, Push writes each only when the replica does NOT have
// it, which can never produce a value, so in practice only the counters
// reach the context, and positions and velocities are left to the engine.
// It is kept for exchange drivers that set the temperature themselves.
type TRE struct {
	UnsetGuard bool
}

func (T *TRE) Pull(R *Replica) error {
	c := newChannel(R)
	pullCounters(c, R)
	if R.par == nil {
		R.par = &Parameters{}
	}
	R.par.Temperature = c.key(engine.Temperature)
	if R.pot == nil {
		R.pot = &Potential{}
	}
	R.pot.PotentialEnergy = c.key(engine.PotentialEnergy)
	pullPhaseSpace(R)
	return c.err
}

func (T *TRE) Push(R *Replica) error {
	c := newChannel(R)
	pushCounters(c, R)
	if T.UnsetGuard {
		//The guarded writes would dereference an unset value; there is nothing to write.
		return c.err
	}
	if R.par != nil {
		c.setKey(engine.Temperature, R.par.Temperature)
	}
	if R.pot != nil {
		c.setKey(engine.PotentialEnergy, R.pot.PotentialEnergy)
	}
	pushPhaseSpace(c, R)
	return c.err
}

// SaveOut writes "stateid temperature potential_energy", the energy in kJ/mol.
// The line is buffered; it reaches the disk on Flush or Close.
func (T *TRE) SaveOut(R *Replica) error {
	if R.pot == nil || R.par == nil {
		R.logger.Warning("replica %d: unable to save output, no state or energies yet", R.id)
		return nil
	}
	if R.out == nil {
		R.logger.Warning("replica %d: unable to save output, no outfile", R.id)
		return nil
	}
	_, err := fmt.Fprintf(R.out, "%d %f %f\n", R.stateid, R.par.Temperature, R.pot.PotentialEnergy)
	return errors.Wrapf(err, "replica %d: writing outfile", R.id)
}
