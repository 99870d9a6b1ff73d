// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package payload

import (
	"fmt"
	"strings"
)

// SparseHole as a start block designates an extent with no backing blocks:
// reads produce zeros and writes are discarded.
const SparseHole = ^uint64(0)

// Extent is a contiguous run of blocks on a device.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// IsSparse returns whether the extent designates a hole.
func (e Extent) IsSparse() bool {
	return e.StartBlock == SparseHole
}

// ByteLength returns the length of the extent in bytes.
func (e Extent) ByteLength(blockSize uint64) uint64 {
	return e.NumBlocks * blockSize
}

func (e Extent) String() string {
	if e.IsSparse() {
		return fmt.Sprintf("(hole,%d)", e.NumBlocks)
	}
	return fmt.Sprintf("(%d,%d)", e.StartBlock, e.NumBlocks)
}

// ExtentsByteLength returns the total number of bytes covered by the given
// extents.
func ExtentsByteLength(extents []Extent, blockSize uint64) uint64 {
	var total uint64
	for _, e := range extents {
		total += e.ByteLength(blockSize)
	}
	return total
}

// ExtentsBsdiffPositionsString serializes the extents in the text form the
// bsdiff applier is addressed with, "<byte offset>:<byte length>" entries
// joined with commas. Sparse holes are emitted with offset zero. The last
// entry is clamped so that the total length never exceeds fullLength.
func ExtentsBsdiffPositionsString(extents []Extent, blockSize, fullLength uint64) (string, error) {
	var entries []string
	var length uint64

	for _, e := range extents {
		if length >= fullLength {
			return "", fmt.Errorf("extents cover more than the full length %d", fullLength)
		}
		thisLength := e.ByteLength(blockSize)
		if thisLength > fullLength-length {
			thisLength = fullLength - length
		}
		offset := uint64(0)
		if !e.IsSparse() {
			offset = e.StartBlock * blockSize
		}
		entries = append(entries, fmt.Sprintf("%d:%d", offset, thisLength))
		length += thisLength
	}
	if length != fullLength {
		return "", fmt.Errorf("extents cover %d bytes, expected %d", length, fullLength)
	}

	return strings.Join(entries, ","), nil
}
