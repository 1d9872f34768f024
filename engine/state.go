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

package engine

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	v3 "github.com/rmera/gochem/v3"
)

// State is the serialized form of a context, in the spirit of
// OpenMM's XML state files.
type State struct {
	XMLName    xml.Name `xml:"State"`
	Parameters []Param  `xml:"Parameters>Param"`
	Positions  []Vec3   `xml:"Positions>Position"`
	Velocities []Vec3   `xml:"Velocities>Velocity"`
	Box        []Vec3   `xml:"PeriodicBoxVectors>Vector"`
}

type Param struct {
	Name  string  `xml:"name,attr"`
	Value float64 `xml:"value,attr"`
}

type Vec3 struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
	Z float64 `xml:"z,attr"`
}

func matrix2vecs(m *v3.Matrix) []Vec3 {
	if m == nil {
		return nil
	}
	ret := make([]Vec3, m.NVecs())
	for i := range ret {
		ret[i] = Vec3{m.At(i, 0), m.At(i, 1), m.At(i, 2)}
	}
	return ret
}

func vecs2matrix(v []Vec3) *v3.Matrix {
	if len(v) == 0 {
		return nil
	}
	m := v3.Zeros(len(v))
	for i, r := range v {
		m.Set(i, 0, r.X)
		m.Set(i, 1, r.Y)
		m.Set(i, 2, r.Z)
	}
	return m
}

// NewState builds a State. Parameters are stored sorted by name
// so two saves of the same context give the same file.
func NewState(params map[string]float64, pos, vel, box *v3.Matrix) *State {
	S := &State{Positions: matrix2vecs(pos), Velocities: matrix2vecs(vel), Box: matrix2vecs(box)}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		S.Parameters = append(S.Parameters, Param{k, params[k]})
	}
	return S
}

// ParamMap returns the parameters as a map.
func (S *State) ParamMap() map[string]float64 {
	ret := make(map[string]float64, len(S.Parameters))
	for _, p := range S.Parameters {
		ret[p.Name] = p.Value
	}
	return ret
}

func (S *State) PosMatrix() *v3.Matrix { return vecs2matrix(S.Positions) }
func (S *State) VelMatrix() *v3.Matrix { return vecs2matrix(S.Velocities) }
func (S *State) BoxMatrix() *v3.Matrix { return vecs2matrix(S.Box) }

// WriteState writes S to filename. The document goes to a temporary
// file in the same directory first, and is renamed over filename only
// once it has been written and synced.
func WriteState(S *State, filename string) error {
	out, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "engine: creating state file")
	}
	tmpname := out.Name()
	cleanup := func(err error) error {
		out.Close()
		os.Remove(tmpname)
		return err
	}
	if _, err := out.WriteString(xml.Header); err != nil {
		return cleanup(errors.Wrapf(err, "engine: writing %s", tmpname))
	}
	enc := xml.NewEncoder(out)
	enc.Indent("", "  ")
	if err := enc.Encode(S); err != nil {
		return cleanup(errors.Wrapf(err, "engine: encoding state to %s", tmpname))
	}
	if err := out.Sync(); err != nil {
		return cleanup(errors.Wrapf(err, "engine: syncing %s", tmpname))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpname)
		return errors.Wrapf(err, "engine: closing %s", tmpname)
	}
	if err := os.Rename(tmpname, filename); err != nil {
		os.Remove(tmpname)
		return errors.Wrapf(err, "engine: replacing %s", filename)
	}
	return nil
}

// ReadState reads a State written by WriteState.
func ReadState(filename string) (*State, error) {
	fin, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "engine: opening state file")
	}
	defer fin.Close()
	S := new(State)
	if err := xml.NewDecoder(fin).Decode(S); err != nil {
		return nil, errors.Wrapf(err, "engine: decoding state from %s", filename)
	}
	return S, nil
}
