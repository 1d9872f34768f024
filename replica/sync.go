/*
 * sync.go, part of asyncre
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

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rmera/asyncre/engine"
)

// Syncer keeps a replica record and its engine context consistent.
// Pull copies the context into the record, Push the record into the
// context. SaveOut writes one line with the record to the replica's energy log.
type Syncer interface {
	Pull(R *Replica) error
	Push(R *Replica) error
	SaveOut(R *Replica) error
}

// NewSyncer returns the Syncer for a replica exchange flavor:
// "tre" for temperature replica exchange, "atm" for the Alchemical Transfer Method.
func NewSyncer(flavor string) (Syncer, error) {
	switch strings.ToLower(flavor) {
	case "tre":
		return &TRE{}, nil
	case "atm":
		return &ATM{}, nil
	default:
		return nil, errors.Errorf("replica: unknown replica exchange flavor %q", flavor)
	}
}

// channel reads and writes context parameters, and remembers the
// first error so a sequence of accesses can be checked once.
type channel struct {
	ctx engine.Context
	b   engine.Binding
	id  int
	err error
}

func newChannel(R *Replica) *channel {
	return &channel{ctx: R.ctx, b: R.sys.Parameter, id: R.id}
}

func (c *channel) get(name string) float64 {
	if c.err != nil {
		return 0
	}
	v, err := c.ctx.Parameter(name)
	if err != nil {
		c.err = errors.Wrapf(err, "replica %d: reading %s", c.id, name)
	}
	return v
}

func (c *channel) set(name string, v float64) {
	if c.err != nil {
		return
	}
	if err := c.ctx.SetParameter(name, v); err != nil {
		c.err = errors.Wrapf(err, "replica %d: setting %s", c.id, name)
	}
}

func (c *channel) key(k engine.ParamKey) float64 { return c.get(c.b.Name(k)) }

func (c *channel) setKey(k engine.ParamKey, v float64) { c.set(c.b.Name(k), v) }

func pullCounters(c *channel, R *Replica) {
	R.cycle = toInt(c.key(engine.Cycle))
	R.stateid = toInt(c.key(engine.StateID))
	R.mdsteps = toInt(c.key(engine.MDSteps))
}

func pushCounters(c *channel, R *Replica) {
	c.setKey(engine.Cycle, float64(R.cycle))
	c.setKey(engine.StateID, float64(R.stateid))
	c.setKey(engine.MDSteps, float64(R.mdsteps))
}

func pullPhaseSpace(R *Replica) {
	R.positions = R.ctx.Positions()
	R.velocities = R.ctx.Velocities()
}

func pushPhaseSpace(c *channel, R *Replica) {
	if c.err != nil {
		return
	}
	if err := R.ctx.SetPositions(R.positions); err != nil {
		c.err = errors.Wrapf(err, "replica %d: setting positions", R.id)
		return
	}
	if err := R.ctx.SetVelocities(R.velocities); err != nil {
		c.err = errors.Wrapf(err, "replica %d: setting velocities", R.id)
	}
}
