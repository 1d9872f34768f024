/*
 * xtb.go, part of asyncre
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
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	chem "github.com/rmera/gochem"
	"github.com/rmera/gochem/qm"
	v3 "github.com/rmera/gochem/v3"
)

// xtb writes positions in Bohr and velocities in Bohr per atomic time unit.
const (
	nm2Bohr   = 10 * chem.A2Bohr
	auVel2NmP = 2187.6912636 //1 Bohr/aut in nm/ps
)

// XTBContext runs the dynamics as xtb MD chunks through gochem's qm package.
// Everything that is not dynamics (parameters, checkpoints) is handled
// by an embedded MemContext, so both backends share the same state files.
type XTBContext struct {
	*MemContext
	Dir        string
	Method     string
	Dielectric float64
	CPUs       int
	Binary     string //xtb executable, empty for the default
	lastT      float64
	header     string //first line of xtb's mdrestart file
}

// NewXTBContext prepares an xtb context for sys, working in dir.
// The initial positions are the first frame of sys.Mol.
func NewXTBContext(sys *System, dir, method string, dielectric float64, cpus int) (*XTBContext, error) {
	if sys.Mol == nil || len(sys.Mol.Coords) == 0 {
		return nil, errors.New("engine: the xtb context needs a molecule with coordinates")
	}
	pos := v3.Zeros(sys.Mol.Len())
	pos.Scale(0.1, sys.Mol.Coords[0]) //A to nm
	mem, err := NewMemContext(sys, pos, nil, nil)
	if err != nil {
		return nil, err
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "engine: xtb work directory")
	}
	if err := os.MkdirAll(dir, os.FileMode(0755)); err != nil {
		return nil, errors.Wrap(err, "engine: xtb work directory")
	}
	return &XTBContext{MemContext: mem, Dir: dir, Method: method, Dielectric: dielectric, CPUs: cpus}, nil
}

// handle returns an xtb handle whose files all live in X.Dir. xtb drops
// its restart and trajectory files in the directory it runs in, so the
// command first moves there.
func (X *XTBContext) handle(name string) *qm.XTBHandle {
	xtb := qm.NewXTBHandle()
	xtb.SetnCPU(X.CPUs)
	bin := "xtb"
	if X.Binary != "" {
		bin = X.Binary
	}
	xtb.SetCommand(fmt.Sprintf("cd %q && %s", X.Dir, bin))
	if name == "" {
		name = "gochem"
	}
	xtb.SetName(filepath.Join(X.Dir, name))
	return xtb
}

func (X *XTBContext) coordsA() *v3.Matrix {
	c := v3.Zeros(X.pos.NVecs())
	c.Scale(10, X.pos)
	return c
}

// Step runs an MD chunk of n steps at the temperature currently in the
// temperature parameter. The potential energy of the last geometry is
// obtained with a single point, since the MD run doesn't report it.
func (X *XTBContext) Step(n int) error {
	if n <= 0 {
		return errors.Errorf("engine: xtb needs a positive number of steps, got %d", n)
	}
	b := X.sys.Parameter
	T := X.params[b.Name(Temperature)]
	if T <= 0 {
		return errors.Errorf("engine: invalid temperature %5.2f for the xtb run", T)
	}
	mdtime := int(math.Ceil(float64(n) * X.sys.MDStepSize))
	if mdtime < 1 {
		mdtime = 1
	}
	restart := X.header != ""
	if restart {
		//scale the velocities upon temperature exchange.
		if X.lastT > 0 && X.lastT != T {
			X.vel.Scale(math.Sqrt(T/X.lastT), X.vel)
		}
		if err := writeRestart(filepath.Join(X.Dir, "mdrestart"), X.header, X.pos, X.vel); err != nil {
			return err
		}
	}
	Q := new(qm.Calc)
	Q.Method = X.Method
	Q.Job = qm.Job{MD: true}
	Q.MDTime = mdtime
	Q.MDTemp = T
	Q.Dielectric = X.Dielectric
	xtb := X.handle("")
	if err := xtb.BuildInput(X.coordsA(), X.sys.Mol, Q); err != nil {
		return errors.Wrap(err, "engine: building the xtb MD input")
	}
	if restart {
		if err := setRestart(filepath.Join(X.Dir, "gochem.inp")); err != nil {
			return err
		}
	}
	if err := xtb.Run(true); err != nil {
		return errors.Wrap(err, "engine: xtb MD run")
	}
	X.lastT = T
	//We try to remove the garbage xtb leaves behind, if it doesn't work, it doesn't work.
	os.Remove(filepath.Join(X.Dir, "xtb.trj"))
	if toremove, err := filepath.Glob(filepath.Join(X.Dir, "scoord*")); err == nil {
		for _, f := range toremove {
			_ = os.Remove(f)
		}
	}
	header, pos, vel, err := readRestart(filepath.Join(X.Dir, "mdrestart"), X.pos.NVecs())
	if err != nil {
		return err
	}
	X.header, X.pos, X.vel = header, pos, vel
	pot, err := X.lastPot()
	if err != nil {
		return err
	}
	X.params[b.Name(PotentialEnergy)] = pot
	X.params[b.Name(MDSteps)] += float64(n)
	return nil
}

// lastPot runs a single point on the current positions and returns
// the energy in kJ/mol.
func (X *XTBContext) lastPot() (float64, error) {
	Q := new(qm.Calc)
	Q.Method = X.Method
	Q.Job = qm.Job{SP: true}
	Q.Dielectric = X.Dielectric
	xtbsp := X.handle("SP")
	if err := xtbsp.BuildInput(X.coordsA(), X.sys.Mol, Q); err != nil {
		return 0, errors.Wrap(err, "engine: building the xtb single point input")
	}
	if err := xtbsp.Run(true); err != nil {
		return 0, errors.Wrap(err, "engine: xtb single point")
	}
	e, err := xtbsp.Energy() //kcal/mol
	if err != nil {
		return 0, errors.Wrap(err, "engine: reading the xtb energy")
	}
	return e * chem.Kcal2KJ, nil
}

// LoadState restores a checkpoint. The next Step will restart xtb from
// the loaded positions and velocities if a restart file has been seen before.
func (X *XTBContext) LoadState(filename string) error {
	if err := X.MemContext.LoadState(filename); err != nil {
		return err
	}
	X.lastT = X.params[X.sys.Parameter.Name(Temperature)]
	return nil
}

// setRestart makes the gochem-generated input restart from mdrestart.
func setRestart(inpname string) error {
	inp, err := os.ReadFile(inpname)
	if err != nil {
		return errors.Wrap(err, "engine: reading the xtb input")
	}
	out := strings.Replace(string(inp), "restart=false", "restart=true", -1)
	if !strings.Contains(out, "restart=true") {
		out = strings.Replace(out, "$md\n", "$md\n   restart=true\n", 1)
	}
	return errors.Wrap(os.WriteFile(inpname, []byte(out), 0644), "engine: writing the xtb input")
}

// readRestart parses an xtb mdrestart file. Positions and velocities
// are returned in nm and nm/ps.
func readRestart(name string, natoms int) (string, *v3.Matrix, *v3.Matrix, error) {
	fin, err := os.Open(name)
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "engine: opening the xtb restart")
	}
	defer fin.Close()
	bfin := bufio.NewReader(fin)
	header, err := bfin.ReadString('\n') //the first line doesn't have coordinates
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "engine: reading the xtb restart")
	}
	pos := v3.Zeros(natoms)
	vel := v3.Zeros(natoms)
	for i := 0; i < natoms; i++ {
		line, err := bfin.ReadString('\n')
		if err != nil && !(err == io.EOF && len(line) >= 132) {
			return "", nil, nil, errors.Wrapf(err, "engine: reading atom %d from the xtb restart", i)
		}
		if len(line) < 132 {
			return "", nil, nil, errors.Errorf("engine: short line for atom %d in the xtb restart", i)
		}
		p, err := scaleline(line[0:66], 1/nm2Bohr)
		if err != nil {
			return "", nil, nil, err
		}
		v, err := scaleline(line[66:132], auVel2NmP)
		if err != nil {
			return "", nil, nil, err
		}
		for j := 0; j < 3; j++ {
			pos.Set(i, j, p[j])
			vel.Set(i, j, v[j])
		}
	}
	return header, pos, vel, nil
}

// writeRestart writes an xtb mdrestart file with the given header line.
func writeRestart(name, header string, pos, vel *v3.Matrix) error {
	fout, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "engine: creating the xtb restart")
	}
	defer fout.Close()
	w := bufio.NewWriter(fout)
	w.WriteString(header)
	for i := 0; i < pos.NVecs(); i++ {
		str := fmt.Sprintf("%22.14E%22.14E%22.14E%22.14E%22.14E%22.14E\n",
			pos.At(i, 0)*nm2Bohr, pos.At(i, 1)*nm2Bohr, pos.At(i, 2)*nm2Bohr,
			vel.At(i, 0)/auVel2NmP, vel.At(i, 1)/auVel2NmP, vel.At(i, 2)/auVel2NmP)
		str = strings.Replace(str, "E", "D", -1) //xtb wants "D" instead of "E" in scientific notation.
		if _, err := w.WriteString(str); err != nil {
			return errors.Wrap(err, "engine: writing the xtb restart")
		}
	}
	return errors.Wrap(w.Flush(), "engine: writing the xtb restart")
}

// scaleline parses three 22-character Fortran reals and multiplies them by scalefac.
func scaleline(s string, scalefac float64) ([]float64, error) {
	ret := make([]float64, 3)
	for i := 0; i < 3; i++ {
		ns := strings.TrimSpace(strings.Replace(s[i*22:(i+1)*22], "D", "E", 1))
		f, err := strconv.ParseFloat(ns, 64)
		if err != nil {
			return nil, errors.Wrap(err, "engine: parsing the xtb restart")
		}
		ret[i] = f * scalefac
	}
	return ret, nil
}
