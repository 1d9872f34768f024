/*
 * exchange.go, part of asyncre
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

package main

import (
	"fmt"
	"math"
	rand "math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rmera/asyncre/engine"
	"github.com/rmera/asyncre/replica"
	chem "github.com/rmera/gochem"
	"gonum.org/v1/gonum/stat"
)

//This file contains all the tricky stuff.

// kB is the gas constant in kJ/(mol K), the units the engines report energies in.
const kB = 0.0083144626

// M holds the temperature and potential energy of a replica, for the TRE criterion.
type M struct {
	T float64
	V float64
}

// Metropolis returns the probability of swapping the temperatures of i and j.
func Metropolis(i, j *M) float64 {
	b1 := 1 / (kB * i.T)
	b2 := 1 / (kB * j.T)
	Delta := (b1 - b2) * (j.V - i.V)
	if Delta <= 0 {
		return 1.0
	}
	return math.Exp(-1 * Delta)
}

// softplus computes ln(1+exp(x)) without overflowing for large x.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// ATMBias is the alchemical bias W(u) of state par for the perturbation
// energy u, both in kJ/mol:
//
//	W(u) = (λ2-λ1)/α ln(1+exp(-α(u-u0))) + λ2 u + w0
//
// With α=0 the bias is linear, λ2 u + w0.
func ATMBias(par replica.Parameters, u float64) float64 {
	uk := u * chem.KJ2Kcal
	w := par.Lambda2*uk + par.W0
	if par.Alpha > 0 {
		w += (par.Lambda2 - par.Lambda1) / par.Alpha * softplus(-par.Alpha*(uk-par.U0))
	}
	return w * chem.Kcal2KJ
}

// reducedEnergy is the reduced energy, in units of kT, of a configuration
// sampled at state cur with energies pot, evaluated at state s.
// V-bias is the unbiased energy of the leg cur belongs to. A leg of the
// opposite direction starts from the other end state, u higher, and
// sees the perturbation energy with the opposite sign.
func reducedEnergy(s, cur replica.Parameters, pot replica.Potential) float64 {
	u := pot.PerturbationEnergy
	base := pot.PotentialEnergy - pot.BiasEnergy
	if s.Direction*cur.Direction < 0 {
		base += u
		u = -u
	}
	return (base + ATMBias(s, u)) / (kB * s.Temperature)
}

// ATMAcceptance returns the probability of swapping states si and sj between
// the configurations xi (sampled at si) and xj (sampled at sj).
func ATMAcceptance(si, sj replica.Parameters, xi, xj replica.Potential) float64 {
	Delta := reducedEnergy(sj, si, xi) + reducedEnergy(si, sj, xj) - reducedEnergy(si, si, xi) - reducedEnergy(sj, sj, xj)
	if Delta <= 0 {
		return 1.0
	}
	return math.Exp(-1 * Delta)
}

// TREStates returns the temperature ladder from tlow to thot (inclusive, if reached) every interval K.
func TREStates(tlow, thot, interval float64) ([]replica.Parameters, error) {
	if interval <= 0 || tlow <= 0 || thot < tlow {
		return nil, errors.Errorf("invalid temperature ladder %5.2f-%5.2f every %5.2f", tlow, thot, interval)
	}
	states := make([]replica.Parameters, 0, int((thot-tlow)/interval)+2)
	for i := 0.0; i+tlow <= thot+1e-9; i += interval {
		states = append(states, replica.Parameters{Temperature: tlow + i})
	}
	return states, nil
}

// ATMStates returns one state per lambda window at temperature T. Windows
// above 0.5 run the perturbation in the opposite direction, with lambda
// mirrored to 1-lambda. The 0.5 window is marked as intermediate.
func ATMStates(lambdas []float64, T, alpha, u0, w0 float64) ([]replica.Parameters, error) {
	if len(lambdas) == 0 {
		return nil, errors.New("no lambda windows given")
	}
	states := make([]replica.Parameters, 0, len(lambdas))
	for _, l := range lambdas {
		if l < 0 || l > 1 {
			return nil, errors.Errorf("lambda %f out of [0,1]", l)
		}
		p := replica.Parameters{Temperature: T, Lambda1: l, Lambda2: l, Alpha: alpha, U0: u0, W0: w0, Direction: 1}
		if l > 0.5 {
			p.Direction = -1
			p.Lambda1, p.Lambda2 = 1-l, 1-l
		}
		if l == 0.5 {
			p.Intermediate = 1
		}
		states = append(states, p)
	}
	return states, nil
}

// ParseLambdas reads a comma-separated list of lambda values.
func ParseLambdas(s string) ([]float64, error) {
	var ret []float64
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		var l float64
		if _, err := fmt.Sscanf(f, "%g", &l); err != nil {
			return nil, errors.Wrapf(err, "lambda %q", f)
		}
		ret = append(ret, l)
	}
	return ret, nil
}

// This is what a replica sends to the "control center" after each MD chunk.
type report struct {
	StateID int
	Pot     replica.Potential
	Done    bool //the replica has run all its cycles
	Err     error
}

// This structure contain the two channels each replica has to communicate with the "control center"
// newState where it gets its new state from "control" and repdata, where it sends its data to control.
type com struct {
	newState chan int
	repdata  chan *report
}

func (C *com) Close() {
	close(C.newState)
	close(C.repdata)
}

func Newcom() *com {
	c := new(com)
	c.newState = make(chan int)
	c.repdata = make(chan *report)
	return c
}

// This structure  has the "control side" info for each replica.
// The C set of channels is shared with the goroutine running the replica.
type RHandler struct {
	ID      int
	C       *com
	StateID int
	Pot     replica.Potential
}

func NewRHandler(ID int, stateid int) *RHandler {
	H := new(RHandler)
	H.C = Newcom()
	H.StateID = stateid
	H.ID = ID
	return H
}

// Handlers sort by state id, which is also the order of the state ladder.
type Handlers []*RHandler

func (H Handlers) Less(i, j int) bool {
	return H[i].StateID < H[j].StateID
}
func (H Handlers) Len() int {
	return len(H)
}
func (H Handlers) Swap(i, j int) {
	H[i], H[j] = H[j], H[i]
}

// REOptions are the settings of an exchange run.
type REOptions struct {
	Flavor     string //"tre" or "atm"
	Cycles     int    //exchange cycles to run
	Steps      int    //MD steps per cycle
	Basename   string
	Root       string //where the r<id> directories go
	Trajectory bool
	Seed       int64 //0 means seed from the clock
	UnsetGuard bool  //see replica.TRE
}

// Stats keeps the exchange attempts between neighbouring states.
// Element k refers to the pair of states k and k+1.
type Stats struct {
	Attempts []int
	Accepted []int
}

// Ratios returns the acceptance ratio of each pair of neighbouring states.
// Pairs never attempted get 0.
func (S *Stats) Ratios() []float64 {
	r := make([]float64, len(S.Attempts))
	for i, a := range S.Attempts {
		if a > 0 {
			r[i] = float64(S.Accepted[i]) / float64(a)
		}
	}
	return r
}

// MeanAcceptance is the average of Ratios.
func (S *Stats) MeanAcceptance() float64 {
	r := S.Ratios()
	if len(r) == 0 {
		return 0
	}
	return stat.Mean(r, nil)
}

func (S *Stats) String() string {
	var b strings.Builder
	for i, r := range S.Ratios() {
		fmt.Fprintf(&b, "%3d<->%-3d %4d/%-4d %5.3f\n", i, i+1, S.Accepted[i], S.Attempts[i], r)
	}
	fmt.Fprintf(&b, "mean acceptance: %5.3f", S.MeanAcceptance())
	return b.String()
}

func acceptance(flavor string, states []replica.Parameters, i, j *RHandler) float64 {
	si, sj := states[i.StateID], states[j.StateID]
	if flavor == "atm" {
		return ATMAcceptance(si, sj, i.Pot, j.Pot)
	}
	return Metropolis(&M{T: si.Temperature, V: i.Pot.PotentialEnergy}, &M{T: sj.Temperature, V: j.Pot.PotentialEnergy})
}

// This is the "central control" that holds the info for all the replicas, runs them,
// collect their outputs, decides whether each pair should exchange states, and, if so,
// sends each its new state. Replica i runs on workers[i]. Unless a replica is resumed
// from its checkpoint, it starts in state i.
func MDs(workers []*engine.Worker, states []replica.Parameters, O *REOptions, logger replica.Logger) (*Stats, error) {
	if len(states) == 0 {
		return nil, errors.New("no states to simulate")
	}
	if len(workers) != len(states) {
		return nil, errors.Errorf("%d workers for %d states", len(workers), len(states))
	}
	if O.Cycles < 1 || O.Steps < 1 {
		return nil, errors.Errorf("invalid run length, %d cycles of %d steps", O.Cycles, O.Steps)
	}
	flavor := strings.ToLower(O.Flavor)
	seed := O.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	reps, err := buildReplicas(workers, states, flavor, O, logger)
	if err != nil {
		return nil, err
	}
	Hs := make(Handlers, 0, len(reps))
	var wg sync.WaitGroup
	for i, R := range reps {
		h := NewRHandler(i, R.StateID())
		Hs = append(Hs, h)
		wg.Add(1)
		go func(R *replica.Replica, C *com) {
			defer wg.Done()
			RunReplica(R, states, O.Steps, O.Cycles, C)
		}(R, h.C)
	}
	//the replicas close their files on exit.
	defer wg.Wait()
	stats := &Stats{Attempts: make([]int, len(states)-1), Accepted: make([]int, len(states)-1)}
	//we use Gromacs' system where we first exchange replicas in the "odd" positions, and then in the "even"
	//positions, so states can't "slide down" more than one step on each exchange cycle.
	even := true
	var runerr error
	for {
		//We wait until all workers are ready before starting the next cycle.
		term := false
		for _, v := range Hs {
			m := <-v.C.repdata
			v.StateID = m.StateID
			v.Pot = m.Pot
			if m.Err != nil {
				if runerr == nil {
					runerr = errors.Wrapf(m.Err, "replica %d", v.ID)
				}
				term = true
			}
			if m.Done {
				term = true
			}
		}
		if term {
			for _, v := range Hs {
				v.C.Close()
			}
			break
		}
		sort.Sort(Hs)
		for i := len(Hs) - 1; i > 0; i-- {
			if i%2 != 0 && even || i%2 == 0 && !even {
				continue
			}
			p := acceptance(flavor, states, Hs[i], Hs[i-1])
			stats.Attempts[i-1]++
			if p >= 1 || rng.Float64() < p {
				stats.Accepted[i-1]++
				if Hs[i-1].StateID == 0 {
					LogV(verb, 2, "Reference state moved from replica", Hs[i-1].ID, "to", Hs[i].ID)
				}
				Hs[i].StateID, Hs[i-1].StateID = Hs[i-1].StateID, Hs[i].StateID
			}
		}
		even = !even
		for _, v := range Hs {
			v.C.newState <- v.StateID
		}
	}
	return stats, runerr
}

// buildReplicas creates the replicas and gives every replica that wasn't
// resumed from a checkpoint its initial state. The resulting assignment
// must be a permutation of the states.
func buildReplicas(workers []*engine.Worker, states []replica.Parameters, flavor string, O *REOptions, logger replica.Logger) ([]*replica.Replica, error) {
	reps := make([]*replica.Replica, 0, len(workers))
	fail := func(err error) ([]*replica.Replica, error) {
		for _, R := range reps {
			R.Close()
		}
		return nil, err
	}
	seen := make(map[int]int, len(states))
	for i, w := range workers {
		syncer, err := replica.NewSyncer(flavor)
		if err != nil {
			return fail(err)
		}
		if t, ok := syncer.(*replica.TRE); ok {
			t.UnsetGuard = O.UnsetGuard
		}
		R, err := replica.New(i, O.Basename, w, syncer, logger, replica.WithRoot(O.Root), replica.WithTrajectory(O.Trajectory))
		if err != nil {
			return fail(err)
		}
		reps = append(reps, R)
		if _, _, ok := R.State(); !ok {
			if err := R.SetState(i, states[i]); err != nil {
				return fail(err)
			}
		}
		id := R.StateID()
		if id < 0 || id >= len(states) {
			return fail(errors.Errorf("replica %d is in state %d, there are %d states", i, id, len(states)))
		}
		if prev, ok := seen[id]; ok {
			return fail(errors.Errorf("replicas %d and %d are both in state %d", prev, i, id))
		}
		seen[id] = i
		//The checkpoint could come from a run with a different ladder.
		if err := R.SetState(id, states[id]); err != nil {
			return fail(err)
		}
	}
	return reps, nil
}

// RunReplica runs the cycles of one replica. In each cycle it advances the dynamics,
// reads the results back from its context, saves its output, and reports its state and energies to
// the "center". It then waits for its new state, which could be the same as the previous one,
// and checkpoints. When all cycles are done it reports that, and returns.
// The outputs of a cycle are written before its checkpoint; a replica
// resumed from an older checkpoint drops them and runs the cycle again.
func RunReplica(R *replica.Replica, states []replica.Parameters, steps, cycles int, C *com) {
	defer func() {
		if err := R.Close(); err != nil {
			LogV(verb, 1, "Worker", R.ID(), "closing:", err)
		}
	}()
	ctx := R.Worker().Context
	fail := func(err error) {
		C.repdata <- &report{StateID: R.StateID(), Err: err}
	}
	for {
		if R.Cycle() > cycles {
			C.repdata <- &report{StateID: R.StateID(), Done: true}
			return
		}
		if err := ctx.Step(steps); err != nil {
			fail(errors.Wrapf(err, "cycle %d", R.Cycle()))
			return
		}
		if err := R.Pull(); err != nil {
			fail(err)
			return
		}
		if err := R.SaveOut(); err != nil {
			fail(err)
			return
		}
		if err := R.SaveDCD(); err != nil {
			fail(err)
			return
		}
		pot, _ := R.Energy()
		C.repdata <- &report{StateID: R.StateID(), Pot: pot}
		newid, ok := <-C.newState
		if !ok {
			return
		}
		if err := R.SetCycle(R.Cycle() + 1); err != nil {
			fail(err)
			return
		}
		if err := R.SetState(newid, states[newid]); err != nil {
			fail(err)
			return
		}
		if err := R.SaveCheckpoint(); err != nil {
			fail(err)
			return
		}
	}
}
