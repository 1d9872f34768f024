/*
 * model.go, part of asyncre
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

// Package nnp lets a neural-network potential (a TorchMD-NET model) act
// as one more force in an engine.System.
package nnp

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	v3 "github.com/rmera/gochem/v3"
)

// Model is a trained potential. It maps atomic numbers and positions
// (in Angstrom, in the same order) to an energy in eV.
type Model interface {
	Forward(z []int, pos *v3.Matrix) (float64, error)
}

// Freezer is implemented by models that can be put in inference-only
// mode. LoadModel calls Freeze on every model that implements it.
type Freezer interface {
	Freeze()
}

// A ModelLoader reads a model from a file.
type ModelLoader func(filename string, maxNumNeighbors int) (Model, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]ModelLoader{}
)

// RegisterLoader registers l for model files with the extension ext (".pt", ".ckpt"...).
func RegisterLoader(ext string, l ModelLoader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[strings.ToLower(ext)] = l
}

// HasLoader reports whether a loader is registered for the extension of filename.
// The nnp package itself registers none: a program that wants to run a
// model has to link one in.
func HasLoader(filename string) bool {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	_, ok := loaders[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// LoadModel loads and freezes the model in filename.
func LoadModel(filename string, maxNumNeighbors int) (Model, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, errors.Wrap(err, "nnp: model file")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	loadersMu.RLock()
	l, ok := loaders[ext]
	loadersMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("nnp: no model loader registered for %q files", ext)
	}
	m, err := l(filename, maxNumNeighbors)
	if err != nil {
		return nil, errors.Wrapf(err, "nnp: loading %s", filename)
	}
	if f, ok := m.(Freezer); ok {
		f.Freeze()
	}
	return m, nil
}
