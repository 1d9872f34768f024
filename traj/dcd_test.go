/*
 * dcd_test.go, part of asyncre
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

package traj

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/rmera/gochem/dcd"
	v3 "github.com/rmera/gochem/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(Te *testing.T, shift float64) *v3.Matrix {
	m, err := v3.NewMatrix([]float64{0 + shift, 0, 0, 0.1, 0.2 + shift, 0.3, 1, 1, 1 + shift})
	require.NoError(Te, err)
	return m
}

func cubic(Te *testing.T, l float64) *v3.Matrix {
	m, err := v3.NewMatrix([]float64{l, 0, 0, 0, l, 0, 0, 0, l})
	require.NoError(Te, err)
	return m
}

func headerFrames(Te *testing.T, name string) int32 {
	raw, err := os.ReadFile(name)
	require.NoError(Te, err)
	return int32(binary.LittleEndian.Uint32(raw[offFrames:]))
}

func TestCreateAndAppend(Te *testing.T) {
	name := filepath.Join(Te.TempDir(), "sim.dcd")
	D, appended, err := Open(name, 3, 0.002)
	require.NoError(Te, err)
	assert.False(Te, appended)
	require.NoError(Te, D.WriteModel(frame(Te, 0), cubic(Te, 3)))
	require.NoError(Te, D.WriteModel(frame(Te, 0.5), cubic(Te, 3)))
	require.NoError(Te, D.Close())
	require.NoError(Te, D.Close())
	assert.Equal(Te, int32(2), headerFrames(Te, name))

	D, appended, err = Open(name, 3, 0.002)
	require.NoError(Te, err)
	assert.True(Te, appended)
	assert.Equal(Te, 2, D.Frames())
	require.NoError(Te, D.WriteModel(frame(Te, 1), nil))
	require.NoError(Te, D.Close())
	assert.Equal(Te, int32(3), headerFrames(Te, name))
	info, err := os.Stat(name)
	require.NoError(Te, err)
	assert.Equal(Te, int64(headerSize)+3*D.frameSize(), info.Size())
	assert.Error(Te, D.WriteModel(frame(Te, 0), nil))
}

func TestAppendDropsPartialFrame(Te *testing.T) {
	name := filepath.Join(Te.TempDir(), "sim.dcd")
	D, err := Create(name, 3, 0.002)
	require.NoError(Te, err)
	require.NoError(Te, D.WriteModel(frame(Te, 0), cubic(Te, 3)))
	require.NoError(Te, D.Close())
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(Te, err)
	f.Write([]byte{48, 0, 0, 0, 1, 2, 3})
	f.Close()

	D, err = Append(name, 3)
	require.NoError(Te, err)
	assert.Equal(Te, 1, D.Frames())
	require.NoError(Te, D.Close())
	info, _ := os.Stat(name)
	assert.Equal(Te, int64(headerSize)+D.frameSize(), info.Size())
}

func TestTruncate(Te *testing.T) {
	name := filepath.Join(Te.TempDir(), "sim.dcd")
	D, err := Create(name, 3, 0.002)
	require.NoError(Te, err)
	for i := 0; i < 3; i++ {
		require.NoError(Te, D.WriteModel(frame(Te, float64(i)), cubic(Te, 3)))
	}
	require.NoError(Te, D.Truncate(5))
	assert.Equal(Te, 3, D.Frames())
	require.NoError(Te, D.Truncate(1))
	assert.Equal(Te, 1, D.Frames())
	require.NoError(Te, D.WriteModel(frame(Te, 7), cubic(Te, 3)))
	require.NoError(Te, D.Close())
	assert.Equal(Te, int32(2), headerFrames(Te, name))
	info, _ := os.Stat(name)
	assert.Equal(Te, int64(headerSize)+2*D.frameSize(), info.Size())
	assert.Error(Te, D.Truncate(0))
}

func TestAppendMismatch(Te *testing.T) {
	name := filepath.Join(Te.TempDir(), "sim.dcd")
	D, err := Create(name, 3, 0.002)
	require.NoError(Te, err)
	require.NoError(Te, D.Close())
	_, err = Append(name, 4)
	require.Error(Te, err)
	_, ok := err.(Error)
	assert.True(Te, ok)
	assert.Error(Te, D.WriteModel(v3.Zeros(2), nil))
	_, err = Create(name, 0, 0.002)
	assert.Error(Te, err)
}

func TestCell(Te *testing.T) {
	c := cell(cubic(Te, 2.5))
	assert.InDelta(Te, 25.0, c[0], 1e-9)
	assert.InDelta(Te, 90.0, c[1], 1e-9)
	assert.InDelta(Te, 25.0, c[5], 1e-9)
	tric, err := v3.NewMatrix([]float64{1, 0, 0, 0.5, 0.8660254037844386, 0, 0, 0, 1})
	require.NoError(Te, err)
	c = cell(tric)
	assert.InDelta(Te, 60.0, c[1], 1e-6) //gamma
	assert.Equal(Te, [6]float64{0, 90, 0, 90, 90, 0}, cell(nil))
}

// The files must be readable by gochem's DCD reader.
func TestReadBackWithGochem(Te *testing.T) {
	name := filepath.Join(Te.TempDir(), "sim.dcd")
	D, err := Create(name, 3, 0.002)
	require.NoError(Te, err)
	require.NoError(Te, D.WriteModel(frame(Te, 0), cubic(Te, 3)))
	require.NoError(Te, D.WriteModel(frame(Te, 0.5), cubic(Te, 3)))
	require.NoError(Te, D.Close())

	R, err := dcd.New(name)
	require.NoError(Te, err)
	assert.Equal(Te, 3, R.Len())
	keep := v3.Zeros(3)
	require.NoError(Te, R.Next(keep))
	require.NoError(Te, R.Next(keep))
	assert.InDelta(Te, 7.0, keep.At(1, 1), 1e-5) //(0.2+0.5) nm in A
}
