/*
 * atm.go, part of asyncre
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
	chem "github.com/rmera/gochem"
)

// ATM synchronizes Alchemical Transfer Method replicas. On top of what
// TRE handles, it moves the ATM force parameters and the perturbation
// and bias energies.
//
// The context keeps Alpha in mol/kJ and U0, W0 in kJ/mol, while the
// replica keeps Alpha in mol/kcal and U0, W0 in kcal/mol. That is
// why Alpha and U0/W0 are converted with opposite factors.
type ATM struct{}

func atmForce(R *Replica) (engine.ATMForce, error) {
	if R.sys.ATM == nil {
		return nil, errors.Errorf("replica %d: the system has no ATM force", R.id)
	}
	return R.sys.ATM, nil
}

func (A *ATM) Pull(R *Replica) error {
	atm, err := atmForce(R)
	if err != nil {
		return err
	}
	c := newChannel(R)
	pullCounters(c, R)
	if R.par == nil {
		R.par = &Parameters{}
	}
	p := R.par
	p.Temperature = c.key(engine.Temperature)
	p.Lambda1 = c.get(atm.Lambda1())
	p.Lambda2 = c.get(atm.Lambda2())
	p.Alpha = c.get(atm.Alpha()) * chem.Kcal2KJ
	p.U0 = c.get(atm.U0()) * chem.KJ2Kcal
	p.W0 = c.get(atm.W0()) * chem.KJ2Kcal
	p.Direction = c.get(atm.Direction())
	p.Intermediate = c.key(engine.ATMIntermediate)
	if R.pot == nil {
		R.pot = &Potential{}
	}
	R.pot.PotentialEnergy = c.key(engine.PotentialEnergy)
	R.pot.PerturbationEnergy = c.key(engine.PerturbationEnergy)
	R.pot.BiasEnergy = c.key(engine.BiasEnergy)
	pullPhaseSpace(R)
	return c.err
}

func (A *ATM) Push(R *Replica) error {
	atm, err := atmForce(R)
	if err != nil {
		return err
	}
	c := newChannel(R)
	pushCounters(c, R)
	if p := R.par; p != nil {
		c.setKey(engine.Temperature, p.Temperature)
		c.set(atm.Lambda1(), p.Lambda1)
		c.set(atm.Lambda2(), p.Lambda2)
		c.set(atm.Alpha(), p.Alpha*chem.KJ2Kcal)
		c.set(atm.U0(), p.U0*chem.Kcal2KJ)
		c.set(atm.W0(), p.W0*chem.Kcal2KJ)
		c.set(atm.Direction(), p.Direction)
		c.setKey(engine.ATMIntermediate, p.Intermediate)
	}
	if R.pot != nil {
		c.setKey(engine.PotentialEnergy, R.pot.PotentialEnergy)
		c.setKey(engine.PerturbationEnergy, R.pot.PerturbationEnergy)
		c.setKey(engine.BiasEnergy, R.pot.BiasEnergy)
	}
	pushPhaseSpace(c, R)
	return c.err
}

// SaveOut writes "stateid temperature direction lambda1 lambda2 alpha u0 w0
// potential perturbation bias", with the temperature in K, alpha in mol/kcal
// and all energies in kcal/mol, and flushes the log.
func (A *ATM) SaveOut(R *Replica) error {
	if R.pot == nil || R.par == nil || R.out == nil {
		R.logger.Warning("replica %d: unable to save output", R.id)
		return nil
	}
	p, e := R.par, R.pot
	k := chem.KJ2Kcal
	_, err := fmt.Fprintf(R.out, "%d %f %f %f %f %f %f %f %f %f %f\n", R.stateid, p.Temperature, p.Direction,
		p.Lambda1, p.Lambda2, p.Alpha, p.U0, p.W0, e.PotentialEnergy*k, e.PerturbationEnergy*k, e.BiasEnergy*k)
	if err != nil {
		return errors.Wrapf(err, "replica %d: writing outfile", R.id)
	}
	return errors.Wrapf(R.out.Flush(), "replica %d: flushing outfile", R.id)
}
