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

// Package delta applies update payloads, full or delta, onto target
// partitions. The Performer consumes the payload as an in-order byte
// stream, verifies it, and materializes the new partition contents
// block by block.
package delta

// InstallPlan is the input configuration of a payload application, as
// constructed by the update discovery layer.
type InstallPlan struct {
	// IsFullUpdate selects between a full payload (no source reads) and
	// a delta against a known source image.
	IsFullUpdate bool

	// SourcePath and KernelSourcePath are the devices carrying the old
	// images; empty for full updates.
	SourcePath       string
	KernelSourcePath string

	// InstallPath and KernelInstallPath are the devices receiving the
	// new images.
	InstallPath       string
	KernelInstallPath string

	// MetadataSize is the expected metadata size from the discovery
	// response; 0 if unknown.
	MetadataSize uint64

	// MetadataSignature is the base64 encoded metadata signature from
	// the discovery response; may be empty.
	MetadataSignature string

	// HashChecksMandatory selects the strict verification regime: sizes
	// and signatures must be present and correct. Data block hashes are
	// always enforced when present, whatever this flag says.
	HashChecksMandatory bool

	// PublicKeyRSA is an optional base64 encoded PEM public key
	// delivered in the discovery response. Only considered on
	// non-official builds without an on-device key.
	PublicKeyRSA string

	// PowerwashRequired is passed through to the post-install runner.
	PowerwashRequired bool

	// TargetSlot is an opaque label handed to the boot controller after
	// a successful install.
	TargetSlot string

	// PayloadID identifies the payload for checkpoint bookkeeping.
	PayloadID string
}
