/*
 * nnp_test.go, part of asyncre
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
	"os"
	"path/filepath"
	"testing"

	"github.com/rmera/asyncre/engine"
	chem "github.com/rmera/gochem"
	v3 "github.com/rmera/gochem/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a model that remembers what it got and returns a fixed energy.
type recorder struct {
	energy float64
	frozen bool
	maxnn  int
	z      []int
	pos    *v3.Matrix
}

func (r *recorder) Forward(z []int, pos *v3.Matrix) (float64, error) {
	r.z = append([]int(nil), z...)
	r.pos = engine.CopyMatrix(pos)
	return r.energy, nil
}

func (r *recorder) Freeze() { r.frozen = true }

var lastModel *recorder

func init() {
	RegisterLoader(".fake", func(filename string, maxnn int) (Model, error) {
		lastModel = &recorder{energy: -1.5, maxnn: maxnn}
		return lastModel, nil
	})
}

func modelFile(Te *testing.T, ext string) string {
	name := filepath.Join(Te.TempDir(), "model"+ext)
	require.NoError(Te, os.WriteFile(name, []byte("weights"), 0644))
	return name
}

func TestForceOrderAndUnits(Te *testing.T) {
	z := []int{1, 6, 8, 7, 16, 9}
	F, err := NewTorchMDNETForce(modelFile(Te, ".fake"), z, []int{2, 0, 5}, 64)
	require.NoError(Te, err)
	assert.True(Te, lastModel.frozen)
	assert.Equal(Te, 64, lastModel.maxnn)
	pos, err := v3.NewMatrix([]float64{
		1, 0, 0,
		0.5, 0.5, 0.5,
		0, 0, 0,
		0.1, 0.2, 0.3,
		0.4, 0.4, 0.4,
		0, 0, 1,
	})
	require.NoError(Te, err)
	e, err := F.Energy(pos)
	require.NoError(Te, err)
	assert.InDelta(Te, -1.5*96.4915666370759, e, 1e-9)
	assert.Equal(Te, []int{8, 1, 9}, lastModel.z)
	want := [][]float64{{0, 0, 0}, {10, 0, 0}, {0, 0, 10}}
	for i, row := range want {
		for j, v := range row {
			assert.InDelta(Te, v, lastModel.pos.At(i, j), 1e-12)
		}
	}
	//the engine's positions are left alone
	assert.Equal(Te, 1.0, pos.At(0, 0))
}

func TestForceErrors(Te *testing.T) {
	z := []int{1, 1, 8}
	_, err := NewTorchMDNETForce(modelFile(Te, ".fake"), z, []int{0, 3}, 32)
	assert.Error(Te, err)
	_, err = NewTorchMDNETForce(modelFile(Te, ".fake"), z, []int{-1}, 32)
	assert.Error(Te, err)
	_, err = NewTorchMDNETForce(filepath.Join(Te.TempDir(), "missing.fake"), z, []int{0}, 32)
	assert.Error(Te, err)
	_, err = NewTorchMDNETForce(modelFile(Te, ".unknown"), z, []int{0}, 32)
	assert.Error(Te, err)

	F, err := NewTorchMDNETForce(modelFile(Te, ".fake"), z, []int{2}, 32)
	require.NoError(Te, err)
	_, err = F.Energy(v3.Zeros(2))
	assert.Error(Te, err)
	assert.Error(Te, F.SetForceGroup(32))
}

func TestHasLoader(Te *testing.T) {
	assert.True(Te, HasLoader("model.fake"))
	assert.True(Te, HasLoader("/some/dir/MODEL.FAKE"))
	assert.False(Te, HasLoader("model.pt"))
	assert.False(Te, HasLoader("model"))
}

func TestAtomicNumbersHeavy(Te *testing.T) {
	xyz := filepath.Join(Te.TempDir(), "h.xyz")
	require.NoError(Te, os.WriteFile(xyz, []byte("5\nheavy\nY 0.0 0.0 0.0\nZr 3.0 0.0 0.0\nIn 6.0 0.0 0.0\nCs 9.0 0.0 0.0\nBa 12.0 0.0 0.0\n"), 0644))
	mol, err := chem.XYZFileRead(xyz)
	require.NoError(Te, err)
	z, err := AtomicNumbers(mol)
	require.NoError(Te, err)
	assert.Equal(Te, []int{39, 40, 49, 55, 56}, z)
	for _, c := range []struct {
		s string
		z int
	}{{"Sb", 51}, {"Te", 52}, {"W", 74}, {"Rn", 86}, {"U", 92}, {"Lr", 103}} {
		assert.Equal(Te, c.z, symbolZ[c.s], c.s)
	}
	assert.Len(Te, symbolZ, 103)
}

func TestImplAddForces(Te *testing.T) {
	dir := Te.TempDir()
	xyz := filepath.Join(dir, "w.xyz")
	require.NoError(Te, os.WriteFile(xyz, []byte("3\nwater\nO 0.0 0.0 0.0\nH 0.9572 0.0 0.0\nH -0.2400 0.9266 0.0\n"), 0644))
	mol, err := chem.XYZFileRead(xyz)
	require.NoError(Te, err)
	z, err := AtomicNumbers(mol)
	require.NoError(Te, err)
	assert.Equal(Te, []int{8, 1, 1}, z)

	impl, err := NewMLPotential("TorchMD-NET", modelFile(Te, ".fake"), 32, false)
	require.NoError(Te, err)
	sys := engine.NewSystem(mol, 0.002)
	require.NoError(Te, impl.AddForces(mol, sys, []int{1, 2}, 3))
	require.Len(Te, sys.Forces(), 1)
	F := sys.Forces()[0].(*TorchMDNETForce)
	assert.Equal(Te, 3, F.ForceGroup())
	cg, ok := F.Property("useCUDAGraphs")
	assert.True(Te, ok)
	assert.Equal(Te, "false", cg)
	assert.Equal(Te, []int{1, 1}, F.AtomicNumbers())

	_, err = NewMLPotential("ANI-2x", "whatever.pt", 32, true)
	assert.Error(Te, err)
	_, err = NewMLPotential("TorchMD-NET", "whatever.pt", 0, true)
	assert.Error(Te, err)
}
