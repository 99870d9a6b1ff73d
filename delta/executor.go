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

package delta

import (
	"fmt"

	"github.com/snapcore/update-engine/blockdev"
	"github.com/snapcore/update-engine/logger"
	"github.com/snapcore/update-engine/payload"
)

// deviceFor returns the install device an operation targets.
func (p *Performer) deviceFor(cur operation) *blockdev.Device {
	if cur.isKernel {
		return p.kernel
	}
	return p.target
}

// sourceFor returns the source device an operation reads old data from.
func (p *Performer) sourceFor(cur operation) *blockdev.Device {
	if cur.isKernel {
		return p.srcKernel
	}
	return p.srcRootfs
}

func (p *Performer) performOperation(cur operation, data []byte) error {
	dev := p.deviceFor(cur)
	if dev == nil {
		return fmt.Errorf("install device not open")
	}

	op := cur.op
	switch op.Type {
	case payload.OperationReplace:
		return performReplace(dev, op, data)
	case payload.OperationReplaceBz:
		return performReplaceBz(dev, op, data)
	case payload.OperationReplaceXz:
		return performReplaceXz(dev, op, data)
	case payload.OperationZero, payload.OperationDiscard:
		return dev.ZeroExtents(op.DstExtents)
	case payload.OperationSourceCopy:
		src := p.sourceFor(cur)
		if src == nil {
			return fmt.Errorf("source device not open")
		}
		return performCopy(src, dev, op)
	case payload.OperationMove:
		// Old and new blocks live on the same device; performCopy
		// buffers all source blocks in memory before the first
		// write, which keeps overlapping extents safe.
		return performCopy(dev, dev, op)
	case payload.OperationSourceBsdiff:
		src := p.sourceFor(cur)
		if src == nil {
			return fmt.Errorf("source device not open")
		}
		return performBsdiff(src, dev, op, data)
	case payload.OperationBsdiff:
		// In-place patch: the old bytes come from the install device
		// itself and are fully read before any write.
		return performBsdiff(dev, dev, op, data)
	}
	return fmt.Errorf("unknown operation type %d", op.Type)
}

// performReplace writes the raw operation data over the destination
// extents; the data must fit them exactly.
func performReplace(dev *blockdev.Device, op payload.InstallOperation, data []byte) error {
	w := blockdev.NewExtentWriter(dev, op.DstExtents)
	if uint64(len(data)) != w.Capacity() {
		return fmt.Errorf("replace data is %d bytes, destination extents cover %d", len(data), w.Capacity())
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.End()
}

// performCopy copies the source extents to the destination extents; both
// must cover the same number of bytes.
func performCopy(src, dst *blockdev.Device, op payload.InstallOperation) error {
	srcLen := payload.ExtentsByteLength(op.SrcExtents, src.BlockSize())
	dstLen := payload.ExtentsByteLength(op.DstExtents, dst.BlockSize())
	if srcLen != dstLen {
		return fmt.Errorf("copy source extents cover %d bytes, destination %d", srcLen, dstLen)
	}
	data, err := src.ReadExtents(op.SrcExtents, srcLen)
	if err != nil {
		return err
	}
	w := blockdev.NewExtentWriter(dst, op.DstExtents)
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.End()
}

// performBsdiff applies the operation data as a bsdiff patch against the
// old bytes addressed by the source extents, writing the patched result
// over the destination extents. The logical lengths clamp trailing partial
// blocks on both sides.
func performBsdiff(src, dst *blockdev.Device, op payload.InstallOperation, patch []byte) error {
	srcLen := payload.ExtentsByteLength(op.SrcExtents, src.BlockSize())
	if op.SrcLength != 0 && op.SrcLength < srcLen {
		srcLen = op.SrcLength
	}
	if positions, err := payload.ExtentsBsdiffPositionsString(op.SrcExtents, src.BlockSize(), srcLen); err == nil {
		logger.Debugf("bsdiff old positions %s", positions)
	}

	old, err := src.ReadExtents(op.SrcExtents, srcLen)
	if err != nil {
		return err
	}

	newData, err := bspatch(old, patch)
	if err != nil {
		return err
	}

	dstLen := payload.ExtentsByteLength(op.DstExtents, dst.BlockSize())
	if op.DstLength != 0 && op.DstLength < dstLen {
		dstLen = op.DstLength
	}
	if uint64(len(newData)) != dstLen {
		return fmt.Errorf("patched data is %d bytes, expected %d", len(newData), dstLen)
	}

	// The patched length may stop short of the last destination block;
	// the remainder of that block is left untouched.
	w := blockdev.NewExtentWriter(dst, op.DstExtents)
	_, err = w.Write(newData)
	return err
}
