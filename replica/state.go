/*
 * state.go, part of asyncre
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

// Parameters describes the thermodynamic state a replica is asked to sample.
// It is a plain value: assigning it copies it.
// The alchemical fields are only meaningful for ATM replicas.
type Parameters struct {
	Temperature  float64 //K
	Lambda1      float64
	Lambda2      float64
	Alpha        float64 //mol/kcal
	U0           float64 //kcal/mol
	W0           float64 //kcal/mol
	Direction    float64 //+1 or -1
	Intermediate float64 //1 for intermediate alchemical states
}

// Potential holds the last energies read from the engine, in kJ/mol.
type Potential struct {
	PotentialEnergy    float64
	PerturbationEnergy float64
	BiasEnergy         float64
}
