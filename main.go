/*
 * main.go, part of asyncre
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

/*To the long life of the Ven. Khenpo Phuntzok Tenzin Rinpoche*/

package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rmera/asyncre/engine"
	"github.com/rmera/asyncre/nnp"
	"github.com/rmera/asyncre/replica"
	chem "github.com/rmera/gochem"
	"github.com/rmera/gochem/qm"
	v3 "github.com/rmera/gochem/v3"
)

// Global variables... Sometimes, you gotta use'em
var verb int

// If v is true, prints the d arguments to stderr
// otherwise, does nothing.
func LogV(v int, vref int, d ...interface{}) {
	if v >= vref {
		fmt.Fprintln(os.Stderr, d...)
	}

}

func CErr(err error, info string) {
	if err != nil {
		log.Fatal(err, info)
	}
}

// vlog is what the replicas log through. Warnings are always printed,
// informative messages only with verbosity 1 or more.
type vlog struct {
	log *log.Logger
}

func newVlog(w io.Writer) *vlog {
	return &vlog{log: log.New(w, "asyncre ", log.LstdFlags)}
}

func (l *vlog) Info(format string, args ...interface{}) {
	if verb < 1 {
		return
	}
	l.print("INFO", format, args...)
}

func (l *vlog) Warning(format string, args ...interface{}) {
	l.print("WARNING", format, args...)
}

func (l *vlog) print(prefix, format string, args ...interface{}) {
	l.log.Printf(fmt.Sprintf("[%s] %s", prefix, format), args...)
}

// preOpt optimizes mol with xtb, so all replicas start from that geometry.
func preOpt(mol *chem.Molecule, method string, dielectric float64, cpus int, binary string) error {
	Q := new(qm.Calc)
	Q.Method = method
	Q.Job = qm.Job{Opti: true}
	Q.Dielectric = dielectric
	xtb := qm.NewXTBHandle()
	xtb.SetnCPU(cpus)
	if binary != "" {
		xtb.SetCommand(binary)
	}
	if err := xtb.BuildInput(mol.Coords[0], mol, Q); err != nil {
		return errors.Wrap(err, "building the optimization input")
	}
	if err := xtb.Run(true); err != nil {
		return errors.Wrap(err, "running the optimization")
	}
	var err error
	mol.Coords[0], err = xtb.OptimizedGeometry(mol)
	return errors.Wrap(err, "reading the optimized geometry")
}

func readMol(geoname string) (*chem.Molecule, error) {
	switch strings.ToLower(filepath.Ext(geoname)) {
	case ".gro":
		return chem.GroFileRead(geoname)
	case ".pdb":
		return chem.PDBFileRead(geoname, false)
	default:
		return chem.XYZFileRead(geoname)
	}
}

// parseIndices reads a comma-separated list of 0-based atom indices.
// An empty string means all n atoms.
func parseIndices(s string, n int) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		ret := make([]int, n)
		for i := range ret {
			ret[i] = i
		}
		return ret, nil
	}
	var ret []int
	for _, f := range strings.Split(s, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, errors.Wrapf(err, "atom index %q", f)
		}
		ret = append(ret, i)
	}
	return ret, nil
}

// checkModel fails when the NNP model can't be read by any registered
// loader, so the run stops before the optimization and replica setup.
func checkModel(name string) error {
	if name == "" || nnp.HasLoader(name) {
		return nil
	}
	return errors.Errorf("no model loader for %s: this build can't evaluate %s models", name, filepath.Ext(name))
}

func main() {
	//There will be _tons_ of flags, but they are meant not to be needed the 99% of the time.
	flavor := flag.String("flavor", "tre", "replica exchange flavor: tre (temperature) or atm (Alchemical Transfer Method)")
	eng := flag.String("engine", "xtb", "simulation engine: xtb, or mem (no dynamics, only the forces in the system)")
	method := flag.String("method", "gfnff", "the xTB method for the simulation")
	binary := flag.String("xtb", "", "the xtb executable, if not the default")
	preopt := flag.Bool("preopt", true, "optimize the geometry with xtb before starting the replicas")
	cpus := flag.Int("cpus", -1, "the total CPUs used for the QM calculations. If a number <0 is given, all logical CPUs are used")
	tempinterval := flag.Float64("tempInterval", 5.0, "the interval of temperature between replicas.")
	multi := flag.Int("multi", 1, "multiplicity of the system")
	charge := flag.Int("charge", 0, "charge for the system")
	verbose := flag.Int("verbose", 0, "Level of verbosity, the higher, the more verbose.")
	exrate := flag.Float64("exchangerate", 2, "Every how many ps should replica exchanges be attempted?")
	stepsize := flag.Float64("stepsize", 0.002, "MD time step, in ps")
	Tc := flag.Float64("tlow", 310.15, "The temperature of the coldest replica")
	Th := flag.Float64("thot", 350.15, "The temperature of the hotest replica")
	lambdas := flag.String("lambdas", "0,0.25,0.5,0.75,1", "ATM only: comma-separated lambda windows")
	alpha := flag.Float64("alpha", 0, "ATM only: softplus alpha, in mol/kcal")
	u0 := flag.Float64("u0", 0, "ATM only: softplus u0, in kcal/mol")
	w0 := flag.Float64("w0", 0, "ATM only: bias offset w0, in kcal/mol")
	dielectric := flag.Float64("dielectric", 80.0, "The dielectric constant for continuum solvent in QM calculations. Only some values are allowed (see code) -1 for vacuum calculations.")
	basename := flag.String("basename", "asyncre", "base name for the checkpoint, energy log and trajectory of each replica")
	root := flag.String("root", ".", "directory where the replica directories are created")
	dcd := flag.Bool("dcd", true, "write a DCD trajectory for each replica")
	seed := flag.Int64("seed", 0, "random seed for the exchanges, 0 to seed from the clock")
	guard := flag.Bool("unsetguard", false, "TRE only: never push the temperature and energy to the engine, leave that to it")
	model := flag.String("nnp", "", "file with a TorchMD-NET model to add to the system. Only formats with a model loader linked into the program are accepted")
	nnpatoms := flag.String("nnpatoms", "", "comma-separated 0-based indices of the atoms the NNP acts on. All atoms if not given")
	maxnn := flag.Int("maxnn", 64, "maximum number of neighbors for the NNP")
	cudagraphs := flag.Bool("cudagraphs", true, "let the NNP use CUDA graphs")
	group := flag.Int("nnpgroup", 0, "force group for the NNP")
	flag.Parse()
	verb = *verbose
	CErr(checkModel(*model), "main")
	args := flag.Args()
	if len(args) < 2 {
		fmt.Printf("Use:\n  $REPATH/asyncre [FLAGS] geometry mdtime \n")
		os.Exit(1)
	}
	geoname := args[0]
	totaltime, err := strconv.ParseFloat(args[1], 64)
	CErr(err, "main")
	mol, err := readMol(geoname)
	CErr(err, "main")
	mol.SetCharge(*charge) //needed for the MD and the partial charges calculation
	mol.SetMulti(*multi)
	if *cpus < 0 {
		*cpus = runtime.NumCPU()
	}

	var states []replica.Parameters
	switch strings.ToLower(*flavor) {
	case "atm":
		ls, err := ParseLambdas(*lambdas)
		CErr(err, "main")
		states, err = ATMStates(ls, *Tc, *alpha, *u0, *w0)
		CErr(err, "main")
	default:
		states, err = TREStates(*Tc, *Th, *tempinterval)
		CErr(err, "main")
	}
	rcpus := *cpus / len(states)
	if rcpus < 1 {
		rcpus = 1
	}
	if *eng == "xtb" && *preopt {
		CErr(preOpt(mol, *method, *dielectric, *cpus, *binary), "Initial optimization failed")
	}
	var indices []int
	if *model != "" {
		indices, err = parseIndices(*nnpatoms, mol.Len())
		CErr(err, "main")
	}
	workers := make([]*engine.Worker, 0, len(states))
	for i := range states {
		sys := engine.NewSystem(mol, *stepsize)
		if strings.ToLower(*flavor) == "atm" {
			sys.ATM = engine.DefaultATMForce{}
		}
		if *model != "" {
			impl, err := nnp.NewMLPotential("TorchMD-NET", *model, *maxnn, *cudagraphs)
			CErr(err, "main")
			CErr(impl.AddForces(mol, sys, indices, *group), "main")
		}
		var ctx engine.Context
		switch *eng {
		case "xtb":
			x, err := engine.NewXTBContext(sys, filepath.Join(*root, fmt.Sprintf("r%d", i), "xtb"), *method, *dielectric, rcpus)
			CErr(err, fmt.Sprintf("worker %d", i))
			x.Binary = *binary
			ctx = x
		case "mem":
			pos := v3.Zeros(mol.Len())
			pos.Scale(0.1, mol.Coords[0]) //A to nm
			m, err := engine.NewMemContext(sys, pos, nil, nil)
			CErr(err, fmt.Sprintf("worker %d", i))
			ctx = m
		default:
			log.Fatal("unknown engine ", *eng)
		}
		workers = append(workers, &engine.Worker{System: sys, Context: ctx})
	}
	steps := int(math.Round(*exrate / *stepsize))
	cycles := int(math.Round(totaltime / *exrate))
	O := &REOptions{
		Flavor:     *flavor,
		Cycles:     cycles,
		Steps:      steps,
		Basename:   *basename,
		Root:       *root,
		Trajectory: *dcd,
		Seed:       *seed,
		UnsetGuard: *guard,
	}
	LogV(verb, 1, "Running", len(states), "replicas,", cycles, "cycles of", steps, "steps")
	stats, err := MDs(workers, states, O, newVlog(os.Stderr))
	if stats != nil {
		fmt.Println(stats)
	}
	CErr(err, "main")
}
