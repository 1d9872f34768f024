/*
 * dcd.go, part of asyncre
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

// Package traj writes replica trajectories as CHARMM/NAMD DCD files
// with unit cell information, and can resume writing an existing file.
package traj

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	v3 "github.com/rmera/gochem/v3"
)

const (
	headerSize = 276 //bytes before the first frame
	titleLen   = 80
	nm2A       = 10.0
)

// Offsets of the header fields that change as frames are written.
const (
	offFrames  = 8
	offLast    = 20
	offBoxFlag = 48
	offNatoms  = 268
)

var endian = binary.LittleEndian

// DCD is a DCD trajectory opened for writing.
type DCD struct {
	filename string
	f        *os.File
	natoms   int32
	frames   int32
	writable bool
}

// Open appends to filename if it exists, and creates it otherwise.
// The second return value tells whether the file was appended to.
func Open(filename string, natoms int, dt float64) (*DCD, bool, error) {
	if _, err := os.Stat(filename); err == nil {
		D, err := Append(filename, natoms)
		return D, true, err
	}
	D, err := Create(filename, natoms, dt)
	return D, false, err
}

// Create starts a new trajectory, replacing any file called filename.
// dt is the time between frames, in ps.
func Create(filename string, natoms int, dt float64) (*DCD, error) {
	if natoms <= 0 {
		return nil, Error{"the number of atoms must be positive", filename, []string{"Create"}, true}
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, Error{err.Error(), filename, []string{"os.Create", "Create"}, true}
	}
	D := &DCD{filename: filename, f: f, natoms: int32(natoms)}
	if err := D.writeHeader(dt); err != nil {
		f.Close()
		return nil, errDecorate(err, "Create")
	}
	D.writable = true
	return D, nil
}

// Append opens an existing trajectory and positions it after its last
// complete frame. A partially written last frame is discarded.
func Append(filename string, natoms int) (*DCD, error) {
	f, err := os.OpenFile(filename, os.O_RDWR, 0644)
	if err != nil {
		return nil, Error{err.Error(), filename, []string{"os.OpenFile", "Append"}, true}
	}
	D := &DCD{filename: filename, f: f, natoms: int32(natoms)}
	fail := func(err error) (*DCD, error) {
		f.Close()
		return nil, errDecorate(err, "Append")
	}
	head := make([]byte, headerSize)
	if _, err := io.ReadFull(f, head); err != nil {
		return fail(Error{"can't read the DCD header: " + err.Error(), filename, []string{"io.ReadFull"}, true})
	}
	if endian.Uint32(head[0:]) != 84 || string(head[4:8]) != "CORD" {
		return fail(Error{"not a little-endian DCD file", filename, nil, true})
	}
	if endian.Uint32(head[offBoxFlag:]) != 1 {
		return fail(Error{"the trajectory has no unit cell information", filename, nil, true})
	}
	if n := int32(endian.Uint32(head[offNatoms:])); n != D.natoms {
		return fail(Error{"the trajectory has a different number of atoms", filename, nil, true})
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fail(Error{err.Error(), filename, []string{"Seek"}, true})
	}
	frames := (size - headerSize) / D.frameSize()
	end := headerSize + frames*D.frameSize()
	if end != size {
		if err := f.Truncate(end); err != nil {
			return fail(Error{err.Error(), filename, []string{"Truncate"}, true})
		}
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		return fail(Error{err.Error(), filename, []string{"Seek"}, true})
	}
	D.frames = int32(frames)
	if err := D.updateFrames(); err != nil {
		return fail(err)
	}
	D.writable = true
	return D, nil
}

func (D *DCD) frameSize() int64 {
	return 4 + 48 + 4 + 3*(8+4*int64(D.natoms))
}

// Frames is the number of frames in the file.
func (D *DCD) Frames() int { return int(D.frames) }

func (D *DCD) Filename() string { return D.filename }

// The header layout is the one written by OpenMM's DCDFile.
func (D *DCD) writeHeader(dt float64) error {
	b := new(bytes.Buffer)
	w := func(v interface{}) { binary.Write(b, endian, v) }
	w(int32(84))
	b.WriteString("CORD")
	w(int32(0)) //frames, updated after each write
	w(int32(0)) //first step
	w(int32(1)) //steps between frames
	for i := 0; i < 6; i++ {
		w(int32(0)) //the first one is the last step, also updated
	}
	w(float32(dt))
	w(int32(1)) //unit cell present
	for i := 0; i < 8; i++ {
		w(int32(0))
	}
	w(int32(24)) //charmm version
	w(int32(84))
	w(int32(4 + 2*titleLen))
	w(int32(2))
	title := make([]byte, 2*titleLen)
	for i := range title {
		title[i] = ' '
	}
	copy(title, "Created by asyncre")
	b.Write(title)
	w(int32(4 + 2*titleLen))
	w(int32(4))
	w(D.natoms)
	w(int32(4))
	if _, err := D.f.Write(b.Bytes()); err != nil {
		return Error{err.Error(), D.filename, []string{"Write", "writeHeader"}, true}
	}
	return nil
}

// WriteModel writes a frame with the positions pos and the periodic box
// vectors box (rows a, b, c), both in nm. A nil box is written as a
// zero-length orthogonal cell.
func (D *DCD) WriteModel(pos, box *v3.Matrix) error {
	if !D.writable {
		return Error{"the trajectory is not open for writing", D.filename, []string{"WriteModel"}, true}
	}
	if pos == nil {
		return Error{"got nil coordinates", D.filename, []string{"WriteModel"}, true}
	}
	if int32(pos.NVecs()) != D.natoms {
		return Error{"coordinates don't match the trajectory size", D.filename, []string{"WriteModel"}, true}
	}
	b := new(bytes.Buffer)
	w := func(v interface{}) { binary.Write(b, endian, v) }
	w(int32(48))
	w(cell(box))
	w(int32(48))
	block := make([]float32, D.natoms)
	for j := 0; j < 3; j++ {
		for i := range block {
			block[i] = float32(pos.At(i, j) * nm2A)
		}
		w(4 * D.natoms)
		w(block)
		w(4 * D.natoms)
	}
	if _, err := D.f.Write(b.Bytes()); err != nil {
		return Error{err.Error(), D.filename, []string{"Write", "WriteModel"}, true}
	}
	D.frames++
	return errDecorate(D.updateFrames(), "WriteModel")
}

// cell returns the DCD unit cell record: a, gamma, b, beta, alpha, c,
// with lengths in Angstrom and angles in degrees.
func cell(box *v3.Matrix) [6]float64 {
	if box == nil || box.NVecs() != 3 {
		return [6]float64{0, 90, 0, 90, 90, 0}
	}
	var v [3][3]float64
	var l [3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v[i][j] = box.At(i, j) * nm2A
			l[i] += v[i][j] * v[i][j]
		}
		l[i] = math.Sqrt(l[i])
	}
	angle := func(i, j int) float64 {
		if l[i] == 0 || l[j] == 0 {
			return 90
		}
		dot := v[i][0]*v[j][0] + v[i][1]*v[j][1] + v[i][2]*v[j][2]
		c := math.Max(-1, math.Min(1, dot/(l[i]*l[j])))
		return math.Acos(c) * 180 / math.Pi
	}
	return [6]float64{l[0], angle(0, 1), l[1], angle(0, 2), angle(1, 2), l[2]}
}

// DCD is silly enough to require the number of frames at the beginning.
func (D *DCD) updateFrames() error {
	cur, err := D.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Error{err.Error(), D.filename, []string{"Seek", "updateFrames"}, true}
	}
	buf := make([]byte, 4)
	endian.PutUint32(buf, uint32(D.frames))
	if _, err := D.f.WriteAt(buf, offFrames); err != nil {
		return Error{err.Error(), D.filename, []string{"WriteAt", "updateFrames"}, true}
	}
	//with one step between frames, the last step is the frame count.
	if _, err := D.f.WriteAt(buf, offLast); err != nil {
		return Error{err.Error(), D.filename, []string{"WriteAt", "updateFrames"}, true}
	}
	if _, err := D.f.Seek(cur, io.SeekStart); err != nil {
		return Error{err.Error(), D.filename, []string{"Seek", "updateFrames"}, true}
	}
	return nil
}

// Truncate drops every frame after the first n. It does nothing if the
// file has n frames or fewer.
func (D *DCD) Truncate(n int) error {
	if !D.writable {
		return Error{"the trajectory is not open for writing", D.filename, []string{"Truncate"}, true}
	}
	if n < 0 || int32(n) >= D.frames {
		return nil
	}
	end := headerSize + int64(n)*D.frameSize()
	if err := D.f.Truncate(end); err != nil {
		return Error{err.Error(), D.filename, []string{"os.File.Truncate", "Truncate"}, true}
	}
	if _, err := D.f.Seek(end, io.SeekStart); err != nil {
		return Error{err.Error(), D.filename, []string{"Seek", "Truncate"}, true}
	}
	D.frames = int32(n)
	return errDecorate(D.updateFrames(), "Truncate")
}

// Sync commits the file to stable storage.
func (D *DCD) Sync() error {
	if !D.writable {
		return nil
	}
	if err := D.f.Sync(); err != nil {
		return Error{err.Error(), D.filename, []string{"Sync"}, true}
	}
	return nil
}

// Close closes the file. Closing twice is not an error.
func (D *DCD) Close() error {
	if !D.writable {
		return nil
	}
	D.writable = false
	if err := D.f.Close(); err != nil {
		return Error{err.Error(), D.filename, []string{"Close"}, true}
	}
	return nil
}
