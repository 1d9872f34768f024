/*
 * replica.go, part of asyncre
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

/*
Package replica holds and manages the engine state of each replica in a
replica exchange simulation.

A Replica keeps the thermodynamic state it was assigned (a state id and its
Parameters), the last energies and phase-space point read from its engine
context, and its cycle and MD step counters. A Syncer moves that record
into the context (Push) and back (Pull); there is one Syncer for temperature
replica exchange and one for the Alchemical Transfer Method.

Each replica owns the directory r<id>, with its checkpoint
(<basename>_ckpt.xml), its energy log (<basename>.out) and its trajectory
(<basename>.dcd). A checkpoint found there when the replica is built
takes precedence over the context's current state.

A Replica is not safe for concurrent use. The caller must Push (SetState)
before asking the engine for dynamics, and Pull only after the engine has
run; nothing here enforces that order.
*/
package replica

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rmera/asyncre/engine"
	"github.com/rmera/asyncre/traj"
	v3 "github.com/rmera/gochem/v3"
)

// Logger is what replicas report through. Warnings are for degraded,
// but not fatal, situations.
type Logger interface {
	Info(format string, args ...interface{})
	Warning(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})    {}
func (nopLogger) Warning(string, ...interface{}) {}

type options struct {
	root string
	dcd  bool
}

// Option configures a Replica.
type Option func(*options)

// WithRoot puts the replica directory under root instead of the current directory.
func WithRoot(root string) Option { return func(o *options) { o.root = root } }

// WithTrajectory turns the DCD trajectory on or off. It is on by default.
func WithTrajectory(on bool) Option { return func(o *options) { o.dcd = on } }

type Replica struct {
	id       int
	basename string
	dir      string
	worker   *engine.Worker
	ctx      engine.Context
	sys      *engine.System
	syncer   Syncer
	logger   Logger

	stateid  int
	assigned bool
	par      *Parameters
	pot      *Potential

	positions  *v3.Matrix
	velocities *v3.Matrix
	cycle      int
	mdsteps    int

	outfile *os.File
	out     *bufio.Writer
	dcd     *traj.DCD
	resumed bool //the trajectory was appended to
}

// New builds replica id on worker's context. It creates the replica
// directory if needed, loads the checkpoint if there is one, and opens
// the energy log and the trajectory for appending. Log lines and frames
// past the loaded checkpoint are dropped. Problems with the directory,
// the log or the trajectory are logged and leave the replica without that
// output; a checkpoint that exists but can't be loaded is an error.
func New(id int, basename string, worker *engine.Worker, syncer Syncer, logger Logger, opts ...Option) (*Replica, error) {
	if worker == nil || worker.Context == nil || worker.System == nil {
		return nil, errors.New("replica: incomplete worker")
	}
	if syncer == nil {
		return nil, errors.New("replica: nil syncer")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	o := &options{root: ".", dcd: true}
	for _, f := range opts {
		f(o)
	}
	R := &Replica{
		id:       id,
		basename: basename,
		dir:      filepath.Join(o.root, fmt.Sprintf("r%d", id)),
		worker:   worker,
		ctx:      worker.Context,
		sys:      worker.System,
		syncer:   syncer,
		logger:   logger,
		cycle:    1,
	}
	R.positions = R.ctx.Positions()
	R.velocities = R.ctx.Velocities()
	dirOK := true
	if err := os.MkdirAll(R.dir, os.FileMode(0755)); err != nil {
		logger.Warning("unable to create replica directory %s: %v", R.dir, err)
		dirOK = false
	}
	//may override stateid, positions, etc.
	loaded := false
	if dirOK {
		var err error
		if loaded, err = R.LoadCheckpoint(); err != nil {
			return nil, err
		}
	}
	R.openOut(loaded)
	if o.dcd {
		R.openDCD(loaded)
	}
	return R, nil
}

func (R *Replica) path(suffix string) string {
	return filepath.Join(R.dir, R.basename+suffix)
}

// A cycle writes its log line and frame before the checkpoint that
// closes it, so after a crash the outputs can hold a cycle the checkpoint
// doesn't. Those are dropped when resuming, since the cycle is run again.
func (R *Replica) openOut(resumed bool) {
	name := R.path(".out")
	if resumed {
		n, err := trimLines(name, R.cycle-1)
		if err != nil {
			R.logger.Warning("unable to trim outfile %s: %v", name, err)
		} else if n > 0 {
			R.logger.Info("replica %d: dropped %d outfile lines past the checkpoint", R.id, n)
		}
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		R.logger.Warning("unable to open outfile %s: %v", name, err)
		return
	}
	R.outfile = f
	R.out = bufio.NewWriter(f)
}

func (R *Replica) openDCD(resumed bool) {
	name := R.path(".dcd")
	D, appended, err := traj.Open(name, R.positions.NVecs(), R.sys.MDStepSize)
	if err != nil {
		R.logger.Warning("unable to open trajectory %s: %v", name, err)
		return
	}
	if resumed && appended && D.Frames() > R.cycle-1 {
		n := D.Frames() - (R.cycle - 1)
		if err := D.Truncate(R.cycle - 1); err != nil {
			R.logger.Warning("unable to trim trajectory %s: %v", name, err)
		} else {
			R.logger.Info("replica %d: dropped %d trajectory frames past the checkpoint", R.id, n)
		}
	}
	R.dcd, R.resumed = D, appended
}

// trimLines keeps only the first n lines of the file name, and returns
// how many it dropped. A missing file has nothing to drop.
func trimLines(name string, n int) (int, error) {
	raw, err := os.ReadFile(name)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "replica: reading outfile")
	}
	if n < 0 {
		n = 0
	}
	end, lines := 0, 0
	for i, c := range raw {
		if c != '\n' {
			continue
		}
		lines++
		if lines == n {
			end = i + 1
		}
	}
	if lines < n || end == len(raw) {
		return 0, nil
	}
	//also drops a half-written last line
	return lines - n, errors.Wrap(os.WriteFile(name, raw[:end], 0644), "replica: trimming outfile")
}

func (R *Replica) ID() int          { return R.id }
func (R *Replica) Dir() string      { return R.dir }
func (R *Replica) Basename() string { return R.basename }

// CheckpointFile is the name of the replica's checkpoint.
func (R *Replica) CheckpointFile() string { return R.path("_ckpt.xml") }

// OutFile is the name of the replica's energy log.
func (R *Replica) OutFile() string { return R.path(".out") }

// TrajectoryFile is the name of the replica's DCD file.
func (R *Replica) TrajectoryFile() string { return R.path(".dcd") }

// ResumedTrajectory tells whether an existing trajectory was opened for appending.
func (R *Replica) ResumedTrajectory() bool { return R.resumed }

// Worker returns the worker the replica runs on.
func (R *Replica) Worker() *engine.Worker { return R.worker }

// SetState assigns the replica to stateid with parameters par,
// and pushes the new state into the context.
func (R *Replica) SetState(stateid int, par Parameters) error {
	R.stateid = stateid
	R.par = &par
	R.assigned = true
	return R.syncer.Push(R)
}

// State returns the state id and parameters of the replica. ok is false
// until parameters have been assigned or read from the context.
func (R *Replica) State() (stateid int, par Parameters, ok bool) {
	if R.par == nil {
		return R.stateid, Parameters{}, false
	}
	return R.stateid, *R.par, true
}

func (R *Replica) StateID() int { return R.stateid }

// IsStateAssigned tells whether SetState has been called on the replica.
func (R *Replica) IsStateAssigned() bool { return R.assigned }

// Energy returns the last energies of the replica, ok is false
// if none have been set or read yet.
func (R *Replica) Energy() (pot Potential, ok bool) {
	if R.pot == nil {
		return Potential{}, false
	}
	return *R.pot, true
}

func (R *Replica) SetEnergy(pot Potential) {
	R.pot = &pot
}

// SetPosVel stores copies of pos and vel.
func (R *Replica) SetPosVel(pos, vel *v3.Matrix) {
	R.positions = engine.CopyMatrix(pos)
	R.velocities = engine.CopyMatrix(vel)
}

// PosVel returns copies of the replica's positions and velocities.
func (R *Replica) PosVel() (*v3.Matrix, *v3.Matrix) {
	return engine.CopyMatrix(R.positions), engine.CopyMatrix(R.velocities)
}

// Pull updates the replica from its context.
func (R *Replica) Pull() error { return R.syncer.Pull(R) }

// Push updates the context from the replica.
func (R *Replica) Push() error { return R.syncer.Push(R) }

// SaveCheckpoint pushes the replica into the context and has the engine
// serialize the context. The new checkpoint replaces the old one only
// once it has been completely written.
func (R *Replica) SaveCheckpoint() error {
	if err := R.syncer.Push(R); err != nil {
		return err
	}
	name := R.CheckpointFile()
	tmp, err := os.CreateTemp(R.dir, R.basename+"_ckpt.xml.tmp-*")
	if err != nil {
		return errors.Wrapf(err, "replica %d: checkpoint", R.id)
	}
	tmpname := tmp.Name()
	tmp.Close()
	if err := R.ctx.SaveState(tmpname); err != nil {
		os.Remove(tmpname)
		return errors.Wrapf(err, "replica %d: saving checkpoint", R.id)
	}
	if err := os.Rename(tmpname, name); err != nil {
		os.Remove(tmpname)
		return errors.Wrapf(err, "replica %d: replacing checkpoint", R.id)
	}
	return nil
}

// LoadCheckpoint loads the replica checkpoint into the context, if
// there is one, and pulls the replica from the context. It returns
// false, and changes nothing, if there is no checkpoint. A checkpoint
// that can't be looked up is an error, not a fresh start.
func (R *Replica) LoadCheckpoint() (bool, error) {
	name := R.CheckpointFile()
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "replica %d: checking for a checkpoint", R.id)
	}
	R.logger.Info("Loading checkpointfile %s", name)
	if err := R.ctx.LoadState(name); err != nil {
		return false, errors.Wrapf(err, "replica %d: loading checkpoint", R.id)
	}
	if err := R.syncer.Pull(R); err != nil {
		return false, err
	}
	return true, nil
}

// SaveDCD appends the replica positions to its trajectory, with the box
// currently in the context. This box is only right for constant-volume
// simulations: the context box is not synchronized with the replica record.
func (R *Replica) SaveDCD() error {
	if R.dcd == nil {
		R.logger.Warning("replica %d: no trajectory open, frame not saved", R.id)
		return nil
	}
	return R.dcd.WriteModel(R.positions, R.ctx.Box())
}

// SaveOut writes the replica state and energies to its energy log.
func (R *Replica) SaveOut() error {
	return R.syncer.SaveOut(R)
}

// SetCycle sets the exchange cycle counter, which can't go back.
func (R *Replica) SetCycle(cycle int) error {
	if cycle < R.cycle {
		return errors.Errorf("replica %d: cycle can't decrease from %d to %d", R.id, R.cycle, cycle)
	}
	R.cycle = cycle
	return nil
}

func (R *Replica) Cycle() int { return R.cycle }

// SetMDSteps sets the MD step counter, which can't go back.
func (R *Replica) SetMDSteps(mdsteps int) error {
	if mdsteps < R.mdsteps {
		return errors.Errorf("replica %d: MD steps can't decrease from %d to %d", R.id, R.mdsteps, mdsteps)
	}
	R.mdsteps = mdsteps
	return nil
}

func (R *Replica) MDSteps() int { return R.mdsteps }

// Flush writes any buffered energy log lines to disk.
func (R *Replica) Flush() error {
	if R.out == nil {
		return nil
	}
	return errors.Wrapf(R.out.Flush(), "replica %d: flushing outfile", R.id)
}

// Close flushes and closes the energy log and the trajectory. The first
// error found is returned, but everything is closed anyway.
func (R *Replica) Close() error {
	var first error
	keep := func(err error) {
		if first == nil && err != nil {
			first = err
		}
	}
	if R.out != nil {
		keep(R.Flush())
		keep(R.outfile.Close())
		R.out, R.outfile = nil, nil
	}
	if R.dcd != nil {
		keep(R.dcd.Close())
		R.dcd = nil
	}
	return first
}

func toInt(f float64) int {
	return int(math.Round(f))
}
