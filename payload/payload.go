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

// Package payload models the update payload envelope: the "CrAU" header,
// the manifest describing the install operations, and the signature blobs
// covering metadata and payload.
package payload

// Magic is the four byte marker at the very start of every payload.
const Magic = "CrAU"

const (
	// MajorVersionChromeOS is the original payload format. Its metadata
	// region is the 20 byte header followed by the manifest.
	MajorVersionChromeOS uint64 = 1

	// MajorVersionBrillo adds a metadata signature size field to the
	// header and carries the metadata signature right after the
	// manifest.
	MajorVersionBrillo uint64 = 2
)

const (
	// FullPayloadMinorVersion is the minor version sentinel used by full
	// payloads, which carry no delta operations.
	FullPayloadMinorVersion uint32 = 0

	// InPlaceMinorPayloadVersion is the delta dialect that reads old
	// data from the partition being updated (MOVE, BSDIFF).
	InPlaceMinorPayloadVersion uint32 = 1

	// SourceMinorPayloadVersion is the delta dialect that reads old data
	// from a separate source partition (SOURCE_COPY, SOURCE_BSDIFF).
	SourceMinorPayloadVersion uint32 = 2
)

// BlockSize is the fixed unit of partition I/O.
const BlockSize = 4096

const (
	// MagicSize and the field sizes below describe the envelope header
	// layout: magic, 8 byte big-endian major version, 8 byte big-endian
	// manifest size and, from the Brillo major on, a 4 byte big-endian
	// metadata signature size.
	MagicSize = uint64(len(Magic))

	MajorVersionSize          uint64 = 8
	ManifestSizeFieldSize     uint64 = 8
	MetadataSignatureSizeSize uint64 = 4
)

// HeaderSize returns the size of the fixed-length header for the given
// payload major version: 20 bytes for ChromeOS payloads, 24 for Brillo.
func HeaderSize(majorVersion uint64) uint64 {
	size := MagicSize + MajorVersionSize + ManifestSizeFieldSize
	if majorVersion >= MajorVersionBrillo {
		size += MetadataSignatureSizeSize
	}
	return size
}

// ManifestOffset returns the offset of the serialized manifest within the
// payload, i.e. the header size.
func ManifestOffset(majorVersion uint64) uint64 {
	return HeaderSize(majorVersion)
}
