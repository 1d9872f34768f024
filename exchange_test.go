/*
 * exchange_test.go, part of asyncre
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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rmera/asyncre/engine"
	"github.com/rmera/asyncre/replica"
	"github.com/rmera/asyncre/traj"
	v3 "github.com/rmera/gochem/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constForce struct {
	e   float64
	err error
}

func (f constForce) Energy(pos *v3.Matrix) (float64, error) { return f.e, f.err }
func (f constForce) ForceGroup() int                        { return 0 }

func memWorkers(Te *testing.T, n int, atm bool, f engine.Force) []*engine.Worker {
	ret := make([]*engine.Worker, 0, n)
	for i := 0; i < n; i++ {
		sys := engine.NewSystem(nil, 0.002)
		if atm {
			sys.ATM = engine.DefaultATMForce{}
		}
		if f != nil {
			sys.AddForce(f)
		}
		pos, err := v3.NewMatrix([]float64{0, 0, 0, 0.1, 0, 0})
		require.NoError(Te, err)
		ctx, err := engine.NewMemContext(sys, pos, nil, nil)
		require.NoError(Te, err)
		ret = append(ret, &engine.Worker{System: sys, Context: ctx})
	}
	return ret
}

func countLines(Te *testing.T, name string) int {
	raw, err := os.ReadFile(name)
	require.NoError(Te, err)
	return strings.Count(string(raw), "\n")
}

func ckptParam(Te *testing.T, root string, id int, name string) float64 {
	S, err := engine.ReadState(filepath.Join(root, fmt.Sprintf("r%d", id), "re_ckpt.xml"))
	require.NoError(Te, err)
	return S.ParamMap()[name]
}

func TestMetropolis(Te *testing.T) {
	assert.Equal(Te, 1.0, Metropolis(&M{T: 300, V: -10}, &M{T: 300, V: 50}))
	//the hotter replica has the lower energy: always swap.
	assert.Equal(Te, 1.0, Metropolis(&M{T: 300, V: -10}, &M{T: 310, V: -20}))
	p := Metropolis(&M{T: 300, V: -20}, &M{T: 310, V: -10})
	Delta := (1/(kB*300) - 1/(kB*310)) * 10
	assert.InDelta(Te, math.Exp(-Delta), p, 1e-12)
	assert.True(Te, p > 0 && p < 1)
}

func TestATMBias(Te *testing.T) {
	lin := replica.Parameters{Lambda1: 0.3, Lambda2: 0.3, W0: 2}
	assert.InDelta(Te, (0.3*10+2)*4.184, ATMBias(lin, 10*4.184), 1e-9)
	par := replica.Parameters{Lambda1: 0.2, Lambda2: 0.4, Alpha: 0.1, U0: 100}
	//far above u0 the bias is lambda2 u, far below it is lambda1 u plus a constant.
	assert.InDelta(Te, 0.4*1000*4.184, ATMBias(par, 1000*4.184), 1e-6)
	assert.InDelta(Te, (0.2*-1000+0.2*100)*4.184, ATMBias(par, -1000*4.184), 1e-6)
	assert.False(Te, math.IsInf(ATMBias(par, -1e8), 0))
}

func TestATMAcceptance(Te *testing.T) {
	s := replica.Parameters{Temperature: 300, Lambda1: 0.5, Lambda2: 0.5, Direction: 1}
	x := replica.Potential{PotentialEnergy: -100, PerturbationEnergy: 30}
	y := replica.Potential{PotentialEnergy: -120, PerturbationEnergy: -5}
	assert.Equal(Te, 1.0, ATMAcceptance(s, s, x, y))
	s0 := replica.Parameters{Temperature: 300, Lambda1: 0, Lambda2: 0, Direction: 1}
	s1 := replica.Parameters{Temperature: 300, Lambda1: 0.25, Lambda2: 0.25, Direction: 1}
	//moving the configuration with the large perturbation energy up the ladder is penalized.
	p := ATMAcceptance(s0, s1, replica.Potential{PerturbationEnergy: 100}, replica.Potential{PerturbationEnergy: 0})
	assert.InDelta(Te, math.Exp(-0.25*100/(kB*300)), p, 1e-12)
	assert.Equal(Te, 1.0, ATMAcceptance(s0, s1, replica.Potential{PerturbationEnergy: 0}, replica.Potential{PerturbationEnergy: 100}))

	//at lambda 0.5 both legs have the same Hamiltonian, so swapping between
	//directions changes nothing.
	A := replica.Parameters{Temperature: 300, Lambda1: 0.5, Lambda2: 0.5, Direction: 1}
	B := replica.Parameters{Temperature: 300, Lambda1: 0.5, Lambda2: 0.5, Direction: -1}
	xi := replica.Potential{PotentialEnergy: -120, PerturbationEnergy: -40, BiasEnergy: -20}
	xj := replica.Potential{PotentialEnergy: -110, PerturbationEnergy: -40, BiasEnergy: -20}
	assert.InDelta(Te, 1.0, ATMAcceptance(A, B, xi, xj), 1e-9)
	assert.InDelta(Te, 1.0, ATMAcceptance(B, A, xj, xi), 1e-9)
	assert.InDelta(Te, reducedEnergy(A, A, xi), reducedEnergy(B, A, xi), 1e-9)
	assert.InDelta(Te, reducedEnergy(B, B, xj), reducedEnergy(A, B, xj), 1e-9)
}

func TestLadders(Te *testing.T) {
	tre, err := TREStates(310.15, 350.15, 5)
	require.NoError(Te, err)
	require.Len(Te, tre, 9)
	assert.InDelta(Te, 350.15, tre[8].Temperature, 1e-9)
	_, err = TREStates(300, 290, 5)
	assert.Error(Te, err)

	ls, err := ParseLambdas("0, 0.5,1")
	require.NoError(Te, err)
	atm, err := ATMStates(ls, 300, 0.1, 100, 0)
	require.NoError(Te, err)
	require.Len(Te, atm, 3)
	assert.Equal(Te, 1.0, atm[0].Direction)
	assert.Equal(Te, 1.0, atm[1].Intermediate)
	assert.Equal(Te, -1.0, atm[2].Direction)
	assert.Equal(Te, 0.0, atm[2].Lambda2)
	_, err = ParseLambdas("0,x")
	assert.Error(Te, err)
	_, err = ATMStates([]float64{1.5}, 300, 0, 0, 0)
	assert.Error(Te, err)
}

func TestStats(Te *testing.T) {
	S := &Stats{Attempts: []int{4, 0, 2}, Accepted: []int{1, 0, 2}}
	assert.Equal(Te, []float64{0.25, 0, 1}, S.Ratios())
	assert.InDelta(Te, 1.25/3, S.MeanAcceptance(), 1e-12)
	assert.Contains(Te, S.String(), "mean acceptance")
}

// With equal energies every attempted exchange is accepted, so the
// assignment after each cycle is known.
func TestMDsTRE(Te *testing.T) {
	root := Te.TempDir()
	states, err := TREStates(300, 315, 5)
	require.NoError(Te, err)
	O := &REOptions{Flavor: "tre", Cycles: 3, Steps: 10, Basename: "re", Root: root, Trajectory: true, Seed: 7}
	stats, err := MDs(memWorkers(Te, 4, false, constForce{e: -50}), states, O, nil)
	require.NoError(Te, err)
	assert.Equal(Te, []int{1, 2, 1}, stats.Attempts)
	assert.Equal(Te, []int{1, 2, 1}, stats.Accepted)
	assert.Equal(Te, 1.0, stats.MeanAcceptance())
	for i, want := range []float64{2, 3, 0, 1} {
		assert.Equal(Te, want, ckptParam(Te, root, i, "REMDstateid"), "replica %d", i)
		assert.Equal(Te, 4.0, ckptParam(Te, root, i, "REMDcycle"))
		assert.Equal(Te, 30.0, ckptParam(Te, root, i, "REMDmdsteps"))
		assert.Equal(Te, states[int(want)].Temperature, ckptParam(Te, root, i, "REMDtemperature"))
		assert.Equal(Te, 3, countLines(Te, filepath.Join(root, fmt.Sprintf("r%d", i), "re.out")))
	}

	//a finished run resumes as finished
	stats, err = MDs(memWorkers(Te, 4, false, constForce{e: -50}), states, O, nil)
	require.NoError(Te, err)
	assert.Equal(Te, []int{0, 0, 0}, stats.Attempts)

	//and can be extended
	O.Cycles = 5
	_, err = MDs(memWorkers(Te, 4, false, constForce{e: -50}), states, O, nil)
	require.NoError(Te, err)
	for i := 0; i < 4; i++ {
		assert.Equal(Te, 6.0, ckptParam(Te, root, i, "REMDcycle"))
		assert.Equal(Te, 50.0, ckptParam(Te, root, i, "REMDmdsteps"))
		assert.Equal(Te, 5, countLines(Te, filepath.Join(root, fmt.Sprintf("r%d", i), "re.out")))
	}
}

// A crash between a cycle's outputs and its checkpoint leaves a log line
// and a frame the checkpoint doesn't know about. The resumed run must not
// keep them twice.
func TestMDsResumeAfterCrash(Te *testing.T) {
	root := Te.TempDir()
	states, err := TREStates(300, 310, 5)
	require.NoError(Te, err)
	O := &REOptions{Flavor: "tre", Cycles: 1, Steps: 10, Basename: "re", Root: root, Trajectory: true, Seed: 3}
	_, err = MDs(memWorkers(Te, 3, false, constForce{e: -50}), states, O, nil)
	require.NoError(Te, err)
	ckpts := make([][]byte, 3)
	for i := range ckpts {
		ckpts[i], err = os.ReadFile(filepath.Join(root, fmt.Sprintf("r%d", i), "re_ckpt.xml"))
		require.NoError(Te, err)
	}
	O.Cycles = 2
	_, err = MDs(memWorkers(Te, 3, false, constForce{e: -50}), states, O, nil)
	require.NoError(Te, err)
	//back to the checkpoints of the first cycle, as if the second had died before checkpointing.
	for i, c := range ckpts {
		require.NoError(Te, os.WriteFile(filepath.Join(root, fmt.Sprintf("r%d", i), "re_ckpt.xml"), c, 0644))
	}
	_, err = MDs(memWorkers(Te, 3, false, constForce{e: -50}), states, O, nil)
	require.NoError(Te, err)
	for i := 0; i < 3; i++ {
		dir := filepath.Join(root, fmt.Sprintf("r%d", i))
		assert.Equal(Te, 2, countLines(Te, filepath.Join(dir, "re.out")))
		assert.Equal(Te, 3.0, ckptParam(Te, root, i, "REMDcycle"))
		D, err := traj.Append(filepath.Join(dir, "re.dcd"), 2)
		require.NoError(Te, err)
		assert.Equal(Te, 2, D.Frames())
		require.NoError(Te, D.Close())
	}
}

func TestMDsATM(Te *testing.T) {
	root := Te.TempDir()
	states, err := ATMStates([]float64{0, 0.5, 1}, 300, 0, 0, 0)
	require.NoError(Te, err)
	O := &REOptions{Flavor: "atm", Cycles: 2, Steps: 5, Basename: "re", Root: root}
	stats, err := MDs(memWorkers(Te, 3, true, nil), states, O, nil)
	require.NoError(Te, err)
	assert.Equal(Te, []int{1, 1}, stats.Attempts)
	for i := 0; i < 3; i++ {
		raw, err := os.ReadFile(filepath.Join(root, fmt.Sprintf("r%d", i), "re.out"))
		require.NoError(Te, err)
		l := strings.Split(strings.TrimSpace(string(raw)), "\n")
		require.Len(Te, l, 2)
		assert.Len(Te, strings.Fields(l[0]), 11)
	}
}

func TestMDsErrors(Te *testing.T) {
	states, err := TREStates(300, 305, 5)
	require.NoError(Te, err)
	O := &REOptions{Flavor: "tre", Cycles: 2, Steps: 5, Basename: "re", Root: Te.TempDir()}
	_, err = MDs(memWorkers(Te, 3, false, nil), states, O, nil)
	assert.Error(Te, err)
	_, err = MDs(memWorkers(Te, 2, false, nil), states, &REOptions{Flavor: "tre", Root: Te.TempDir()}, nil)
	assert.Error(Te, err)
	_, err = MDs(memWorkers(Te, 2, false, nil), states, &REOptions{Flavor: "hremd", Cycles: 1, Steps: 1, Basename: "re", Root: Te.TempDir()}, nil)
	assert.Error(Te, err)

	//a failing engine stops the run instead of hanging it.
	_, err = MDs(memWorkers(Te, 2, false, constForce{err: errors.New("boom")}), states, O, nil)
	require.Error(Te, err)
	assert.Contains(Te, err.Error(), "boom")
}
