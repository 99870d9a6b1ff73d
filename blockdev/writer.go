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

package blockdev

import (
	"fmt"

	"github.com/snapcore/update-engine/payload"
)

// ExtentWriter writes a sequential stream of bytes across an ordered extent
// list. Writes into a sparse hole are discarded. Writing more bytes than
// the extents cover is an error.
type ExtentWriter struct {
	dev     *Device
	extents []payload.Extent

	extentIndex uint64 // within extents
	extentPos   uint64 // within the current extent, in bytes

	written  uint64
	capacity uint64
}

// NewExtentWriter returns a writer that scatters sequential input over the
// given extents of the device.
func NewExtentWriter(dev *Device, extents []payload.Extent) *ExtentWriter {
	return &ExtentWriter{
		dev:      dev,
		extents:  extents,
		capacity: payload.ExtentsByteLength(extents, dev.BlockSize()),
	}
}

// Capacity returns the total number of bytes the extents can hold.
func (w *ExtentWriter) Capacity() uint64 {
	return w.capacity
}

// Written returns the number of bytes consumed so far.
func (w *ExtentWriter) Written() uint64 {
	return w.written
}

// Write scatters p over the remaining extent space.
func (w *ExtentWriter) Write(p []byte) (int, error) {
	total := len(p)
	if uint64(total) > w.capacity-w.written {
		return 0, fmt.Errorf("cannot write %d bytes: only %d bytes of extent space left", total, w.capacity-w.written)
	}
	bs := w.dev.BlockSize()
	for len(p) > 0 {
		e := w.extents[w.extentIndex]
		room := e.ByteLength(bs) - w.extentPos
		n := uint64(len(p))
		if n > room {
			n = room
		}
		if !e.IsSparse() {
			off := int64(e.StartBlock*bs + w.extentPos)
			if _, err := w.dev.WriteAt(p[:n], off); err != nil {
				return total - len(p), err
			}
		}
		p = p[n:]
		w.extentPos += n
		w.written += n
		if w.extentPos == e.ByteLength(bs) {
			w.extentIndex++
			w.extentPos = 0
		}
	}
	return total, nil
}

// PadWithZeros fills the remaining extent space with zeros. Used for
// operations whose output is allowed to be shorter than the destination
// extents (REPLACE_XZ).
func (w *ExtentWriter) PadWithZeros() error {
	zeros := make([]byte, w.dev.BlockSize())
	for w.written < w.capacity {
		n := w.capacity - w.written
		if n > uint64(len(zeros)) {
			n = uint64(len(zeros))
		}
		if _, err := w.Write(zeros[:n]); err != nil {
			return err
		}
	}
	return nil
}

// End checks that the extents were filled exactly.
func (w *ExtentWriter) End() error {
	if w.written != w.capacity {
		return fmt.Errorf("extent write ended after %d of %d bytes", w.written, w.capacity)
	}
	return nil
}
