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

// Package blockdev provides block-addressable extent I/O over raw partition
// devices (or image files standing in for them in tests).
package blockdev

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/snapcore/update-engine/payload"
)

// Device is an open partition device. All reads and writes are addressed
// in extents of fixed-size blocks.
type Device struct {
	f         *os.File
	blockSize uint64
	readOnly  bool
}

// Open opens the device at path for writing.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Device{f: f, blockSize: payload.BlockSize}, nil
}

// OpenReadOnly opens the device at path for reading only.
func OpenReadOnly(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Device{f: f, blockSize: payload.BlockSize, readOnly: true}, nil
}

// BlockSize returns the device block size.
func (d *Device) BlockSize() uint64 {
	return d.blockSize
}

// Close closes the device.
func (d *Device) Close() error {
	return d.f.Close()
}

// SyncData flushes written data to the device. Metadata is not synced, the
// devices we write to are raw partitions.
var syncData = func(fd int) error {
	return unix.Fdatasync(fd)
}

// Sync flushes all pending writes to storage.
func (d *Device) Sync() error {
	if d.readOnly {
		return nil
	}
	return syncData(int(d.f.Fd()))
}

// ReadAt reads len(p) bytes at the given byte offset.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt writes len(p) bytes at the given byte offset.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, fmt.Errorf("cannot write to read-only device %q", d.f.Name())
	}
	return d.f.WriteAt(p, off)
}

// ReadExtents reads up to length bytes covered by the given extents, in
// order. Sparse holes read as zeros. A short device (an image file smaller
// than the addressed blocks) reads as zeros beyond its end.
func (d *Device) ReadExtents(extents []payload.Extent, length uint64) ([]byte, error) {
	if max := payload.ExtentsByteLength(extents, d.blockSize); length > max {
		return nil, fmt.Errorf("cannot read %d bytes from extents covering only %d", length, max)
	}
	data := make([]byte, length)
	var pos uint64
	for _, e := range extents {
		if pos == length {
			break
		}
		n := e.ByteLength(d.blockSize)
		if n > length-pos {
			n = length - pos
		}
		if !e.IsSparse() {
			off := int64(e.StartBlock * d.blockSize)
			if _, err := d.f.ReadAt(data[pos:pos+n], off); err != nil && err != io.EOF {
				return nil, err
			}
		}
		pos += n
	}
	return data, nil
}

// ZeroExtents writes zeros to every block of the given extents.
func (d *Device) ZeroExtents(extents []payload.Extent) error {
	zeros := make([]byte, d.blockSize)
	for _, e := range extents {
		if e.IsSparse() {
			continue
		}
		for i := uint64(0); i < e.NumBlocks; i++ {
			off := int64((e.StartBlock + i) * d.blockSize)
			if _, err := d.WriteAt(zeros, off); err != nil {
				return err
			}
		}
	}
	return nil
}

// HashRange computes the SHA-256 of the first length bytes of the device.
func (d *Device) HashRange(length uint64) ([]byte, error) {
	h := sha256.New()
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.CopyN(h, d.f, int64(length)); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
