/*
 * main_test.go, part of asyncre
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
	"testing"

	"github.com/rmera/asyncre/nnp"
	"github.com/stretchr/testify/assert"
)

func TestCheckModel(Te *testing.T) {
	assert.NoError(Te, checkModel(""))
	err := checkModel("model.pt")
	if assert.Error(Te, err) {
		assert.Contains(Te, err.Error(), ".pt")
	}
	nnp.RegisterLoader(".ckpt", func(string, int) (nnp.Model, error) { return nil, nil })
	assert.NoError(Te, checkModel("model.ckpt"))
}

func TestParseIndices(Te *testing.T) {
	idx, err := parseIndices(" ", 3)
	assert.NoError(Te, err)
	assert.Equal(Te, []int{0, 1, 2}, idx)
	idx, err = parseIndices("2, 0", 3)
	assert.NoError(Te, err)
	assert.Equal(Te, []int{2, 0}, idx)
	_, err = parseIndices("1,a", 3)
	assert.Error(Te, err)
}
