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

	"google.golang.org/protobuf/encoding/protowire"
)

// OperationType is the opcode of an install operation.
type OperationType int32

const (
	OperationReplace      OperationType = 0
	OperationReplaceBz    OperationType = 1
	OperationMove         OperationType = 2
	OperationBsdiff       OperationType = 3
	OperationSourceCopy   OperationType = 4
	OperationSourceBsdiff OperationType = 5
	OperationZero         OperationType = 6
	OperationDiscard      OperationType = 7
	OperationReplaceXz    OperationType = 8
)

var operationNames = map[OperationType]string{
	OperationReplace:      "REPLACE",
	OperationReplaceBz:    "REPLACE_BZ",
	OperationMove:         "MOVE",
	OperationBsdiff:       "BSDIFF",
	OperationSourceCopy:   "SOURCE_COPY",
	OperationSourceBsdiff: "SOURCE_BSDIFF",
	OperationZero:         "ZERO",
	OperationDiscard:      "DISCARD",
	OperationReplaceXz:    "REPLACE_XZ",
}

func (t OperationType) String() string {
	if name, ok := operationNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_OP_%d", int32(t))
}

// HasData returns whether operations of this type carry a blob in the
// payload data region.
func (t OperationType) HasData() bool {
	switch t {
	case OperationMove, OperationSourceCopy, OperationZero, OperationDiscard:
		return false
	}
	return true
}

// InstallOperation describes a single step of materializing the new image.
type InstallOperation struct {
	Type OperationType

	// DataOffset/DataLength locate the operation's blob within the
	// payload data region. Both are zero for operations without data.
	DataOffset uint64
	DataLength uint64

	SrcExtents []Extent
	SrcLength  uint64

	DstExtents []Extent
	DstLength  uint64

	// DataSHA256 is the expected hash of the operation blob, when the
	// payload generator included one.
	DataSHA256 []byte
}

// PartitionInfo describes one side of the update for one partition.
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

// Signature is one entry in a signature blob.
type Signature struct {
	Version uint32
	Data    []byte
}

// Manifest is the structured table of contents of a payload.
type Manifest struct {
	InstallOperations       []InstallOperation
	KernelInstallOperations []InstallOperation

	BlockSize uint32

	SignaturesOffset uint64
	SignaturesSize   uint64

	OldKernelInfo *PartitionInfo
	NewKernelInfo *PartitionInfo
	OldRootfsInfo *PartitionInfo
	NewRootfsInfo *PartitionInfo

	MinorVersion uint32
}

// Manifest wire field numbers. These match the DeltaArchiveManifest
// protobuf schema of the payload format and must never change.
const (
	manifestFieldInstallOperations       = 1
	manifestFieldKernelInstallOperations = 2
	manifestFieldBlockSize               = 3
	manifestFieldSignaturesOffset        = 4
	manifestFieldSignaturesSize          = 5
	manifestFieldOldKernelInfo           = 6
	manifestFieldNewKernelInfo           = 7
	manifestFieldOldRootfsInfo           = 8
	manifestFieldNewRootfsInfo           = 9
	manifestFieldMinorVersion            = 12

	operationFieldType       = 1
	operationFieldDataOffset = 2
	operationFieldDataLength = 3
	operationFieldSrcExtents = 4
	operationFieldSrcLength  = 5
	operationFieldDstExtents = 6
	operationFieldDstLength  = 7
	operationFieldDataSHA256 = 8

	extentFieldStartBlock = 1
	extentFieldNumBlocks  = 2

	partitionInfoFieldSize = 1
	partitionInfoFieldHash = 2

	signaturesFieldSignatures = 1
	signatureFieldVersion     = 1
	signatureFieldData        = 2
)

type wireError struct {
	what string
}

func (e *wireError) Error() string {
	return "cannot parse manifest: " + e.what
}

func consumeField(b []byte) (num protowire.Number, typ protowire.Type, rest []byte, field []byte, err error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, nil, nil, &wireError{"bad tag"}
	}
	b = b[n:]
	m := protowire.ConsumeFieldValue(num, typ, b)
	if m < 0 {
		return 0, 0, nil, nil, &wireError{"bad field value"}
	}
	return num, typ, b[m:], b[:m], nil
}

func consumeVarint(field []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(field)
	if n < 0 {
		return 0, &wireError{"bad varint"}
	}
	return v, nil
}

func consumeBytes(field []byte) ([]byte, error) {
	v, n := protowire.ConsumeBytes(field)
	if n < 0 {
		return nil, &wireError{"bad length-delimited field"}
	}
	return v, nil
}

func parseExtent(b []byte) (Extent, error) {
	var e Extent
	for len(b) > 0 {
		num, typ, rest, field, err := consumeField(b)
		if err != nil {
			return e, err
		}
		b = rest
		switch {
		case num == extentFieldStartBlock && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return e, err
			}
			e.StartBlock = v
		case num == extentFieldNumBlocks && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return e, err
			}
			e.NumBlocks = v
		}
	}
	return e, nil
}

func parsePartitionInfo(b []byte) (*PartitionInfo, error) {
	info := &PartitionInfo{}
	for len(b) > 0 {
		num, typ, rest, field, err := consumeField(b)
		if err != nil {
			return nil, err
		}
		b = rest
		switch {
		case num == partitionInfoFieldSize && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return nil, err
			}
			info.Size = v
		case num == partitionInfoFieldHash && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return nil, err
			}
			info.Hash = append([]byte(nil), v...)
		}
	}
	return info, nil
}

func parseInstallOperation(b []byte) (InstallOperation, error) {
	var op InstallOperation
	for len(b) > 0 {
		num, typ, rest, field, err := consumeField(b)
		if err != nil {
			return op, err
		}
		b = rest
		switch {
		case num == operationFieldType && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return op, err
			}
			op.Type = OperationType(v)
		case num == operationFieldDataOffset && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return op, err
			}
			op.DataOffset = v
		case num == operationFieldDataLength && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return op, err
			}
			op.DataLength = v
		case num == operationFieldSrcExtents && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return op, err
			}
			e, err := parseExtent(v)
			if err != nil {
				return op, err
			}
			op.SrcExtents = append(op.SrcExtents, e)
		case num == operationFieldSrcLength && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return op, err
			}
			op.SrcLength = v
		case num == operationFieldDstExtents && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return op, err
			}
			e, err := parseExtent(v)
			if err != nil {
				return op, err
			}
			op.DstExtents = append(op.DstExtents, e)
		case num == operationFieldDstLength && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return op, err
			}
			op.DstLength = v
		case num == operationFieldDataSHA256 && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return op, err
			}
			op.DataSHA256 = append([]byte(nil), v...)
		}
	}
	return op, nil
}

// ParseManifest decodes a serialized manifest. Unknown fields are skipped,
// matching protobuf semantics, so newer payload generators remain readable.
func ParseManifest(b []byte) (*Manifest, error) {
	m := &Manifest{BlockSize: BlockSize}
	for len(b) > 0 {
		num, typ, rest, field, err := consumeField(b)
		if err != nil {
			return nil, err
		}
		b = rest
		switch {
		case num == manifestFieldInstallOperations && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return nil, err
			}
			op, err := parseInstallOperation(v)
			if err != nil {
				return nil, err
			}
			m.InstallOperations = append(m.InstallOperations, op)
		case num == manifestFieldKernelInstallOperations && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return nil, err
			}
			op, err := parseInstallOperation(v)
			if err != nil {
				return nil, err
			}
			m.KernelInstallOperations = append(m.KernelInstallOperations, op)
		case num == manifestFieldBlockSize && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return nil, err
			}
			m.BlockSize = uint32(v)
		case num == manifestFieldSignaturesOffset && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return nil, err
			}
			m.SignaturesOffset = v
		case num == manifestFieldSignaturesSize && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return nil, err
			}
			m.SignaturesSize = v
		case num == manifestFieldOldKernelInfo && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return nil, err
			}
			if m.OldKernelInfo, err = parsePartitionInfo(v); err != nil {
				return nil, err
			}
		case num == manifestFieldNewKernelInfo && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return nil, err
			}
			if m.NewKernelInfo, err = parsePartitionInfo(v); err != nil {
				return nil, err
			}
		case num == manifestFieldOldRootfsInfo && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return nil, err
			}
			if m.OldRootfsInfo, err = parsePartitionInfo(v); err != nil {
				return nil, err
			}
		case num == manifestFieldNewRootfsInfo && typ == protowire.BytesType:
			v, err := consumeBytes(field)
			if err != nil {
				return nil, err
			}
			if m.NewRootfsInfo, err = parsePartitionInfo(v); err != nil {
				return nil, err
			}
		case num == manifestFieldMinorVersion && typ == protowire.VarintType:
			v, err := consumeVarint(field)
			if err != nil {
				return nil, err
			}
			m.MinorVersion = uint32(v)
		}
	}
	return m, nil
}

func appendPartitionInfoValue(b []byte, info *PartitionInfo) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, partitionInfoFieldSize, protowire.VarintType)
	sub = protowire.AppendVarint(sub, info.Size)
	if len(info.Hash) > 0 {
		sub = protowire.AppendTag(sub, partitionInfoFieldHash, protowire.BytesType)
		sub = protowire.AppendBytes(sub, info.Hash)
	}
	return protowire.AppendBytes(b, sub)
}

func appendExtentValue(b []byte, e Extent) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, extentFieldStartBlock, protowire.VarintType)
	sub = protowire.AppendVarint(sub, e.StartBlock)
	sub = protowire.AppendTag(sub, extentFieldNumBlocks, protowire.VarintType)
	sub = protowire.AppendVarint(sub, e.NumBlocks)
	return protowire.AppendBytes(b, sub)
}

// MarshalManifest serializes the manifest in the payload wire encoding.
func MarshalManifest(m *Manifest) []byte {
	var b []byte
	for _, op := range m.InstallOperations {
		b = protowire.AppendTag(b, manifestFieldInstallOperations, protowire.BytesType)
		b = appendInstallOperationValue(b, op)
	}
	for _, op := range m.KernelInstallOperations {
		b = protowire.AppendTag(b, manifestFieldKernelInstallOperations, protowire.BytesType)
		b = appendInstallOperationValue(b, op)
	}
	if m.BlockSize != 0 {
		b = protowire.AppendTag(b, manifestFieldBlockSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.BlockSize))
	}
	if m.SignaturesOffset != 0 || m.SignaturesSize != 0 {
		b = protowire.AppendTag(b, manifestFieldSignaturesOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesOffset)
		b = protowire.AppendTag(b, manifestFieldSignaturesSize, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesSize)
	}
	if m.OldKernelInfo != nil {
		b = protowire.AppendTag(b, manifestFieldOldKernelInfo, protowire.BytesType)
		b = appendPartitionInfoValue(b, m.OldKernelInfo)
	}
	if m.NewKernelInfo != nil {
		b = protowire.AppendTag(b, manifestFieldNewKernelInfo, protowire.BytesType)
		b = appendPartitionInfoValue(b, m.NewKernelInfo)
	}
	if m.OldRootfsInfo != nil {
		b = protowire.AppendTag(b, manifestFieldOldRootfsInfo, protowire.BytesType)
		b = appendPartitionInfoValue(b, m.OldRootfsInfo)
	}
	if m.NewRootfsInfo != nil {
		b = protowire.AppendTag(b, manifestFieldNewRootfsInfo, protowire.BytesType)
		b = appendPartitionInfoValue(b, m.NewRootfsInfo)
	}
	if m.MinorVersion != 0 {
		b = protowire.AppendTag(b, manifestFieldMinorVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MinorVersion))
	}
	return b
}

func appendInstallOperationValue(b []byte, op InstallOperation) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, operationFieldType, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(op.Type))
	if op.Type.HasData() {
		sub = protowire.AppendTag(sub, operationFieldDataOffset, protowire.VarintType)
		sub = protowire.AppendVarint(sub, op.DataOffset)
		sub = protowire.AppendTag(sub, operationFieldDataLength, protowire.VarintType)
		sub = protowire.AppendVarint(sub, op.DataLength)
	}
	for _, e := range op.SrcExtents {
		sub = protowire.AppendTag(sub, operationFieldSrcExtents, protowire.BytesType)
		sub = appendExtentValue(sub, e)
	}
	if op.SrcLength != 0 {
		sub = protowire.AppendTag(sub, operationFieldSrcLength, protowire.VarintType)
		sub = protowire.AppendVarint(sub, op.SrcLength)
	}
	for _, e := range op.DstExtents {
		sub = protowire.AppendTag(sub, operationFieldDstExtents, protowire.BytesType)
		sub = appendExtentValue(sub, e)
	}
	if op.DstLength != 0 {
		sub = protowire.AppendTag(sub, operationFieldDstLength, protowire.VarintType)
		sub = protowire.AppendVarint(sub, op.DstLength)
	}
	if len(op.DataSHA256) > 0 {
		sub = protowire.AppendTag(sub, operationFieldDataSHA256, protowire.BytesType)
		sub = protowire.AppendBytes(sub, op.DataSHA256)
	}
	return protowire.AppendBytes(b, sub)
}

// ParseSignatures decodes a signature blob (a Signatures protobuf message).
func ParseSignatures(b []byte) ([]Signature, error) {
	var sigs []Signature
	for len(b) > 0 {
		num, typ, rest, field, err := consumeField(b)
		if err != nil {
			return nil, err
		}
		b = rest
		if num != signaturesFieldSignatures || typ != protowire.BytesType {
			continue
		}
		v, err := consumeBytes(field)
		if err != nil {
			return nil, err
		}
		var sig Signature
		sb := v
		for len(sb) > 0 {
			num, typ, rest, field, err := consumeField(sb)
			if err != nil {
				return nil, err
			}
			sb = rest
			switch {
			case num == signatureFieldVersion && typ == protowire.VarintType:
				ver, err := consumeVarint(field)
				if err != nil {
					return nil, err
				}
				sig.Version = uint32(ver)
			case num == signatureFieldData && typ == protowire.BytesType:
				data, err := consumeBytes(field)
				if err != nil {
					return nil, err
				}
				sig.Data = append([]byte(nil), data...)
			}
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// MarshalSignatures serializes a signature blob.
func MarshalSignatures(sigs []Signature) []byte {
	var b []byte
	for _, sig := range sigs {
		var sub []byte
		sub = protowire.AppendTag(sub, signatureFieldVersion, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(sig.Version))
		sub = protowire.AppendTag(sub, signatureFieldData, protowire.BytesType)
		sub = protowire.AppendBytes(sub, sig.Data)
		b = protowire.AppendTag(b, signaturesFieldSignatures, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}
