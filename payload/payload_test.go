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

package payload_test

import (
	"crypto/rand"
	"crypto/sha256"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/snapcore/update-engine/payload"
	"github.com/snapcore/update-engine/payload/payloadtest"
)

func TestPayload(t *testing.T) { TestingT(t) }

type payloadSuite struct{}

var _ = Suite(&payloadSuite{})

func (s *payloadSuite) TestHeaderSizes(c *C) {
	c.Check(payload.HeaderSize(payload.MajorVersionChromeOS), Equals, uint64(20))
	c.Check(payload.HeaderSize(payload.MajorVersionBrillo), Equals, uint64(24))
	c.Check(payload.ManifestOffset(payload.MajorVersionBrillo), Equals, uint64(24))
}

func (s *payloadSuite) TestExtentsByteLength(c *C) {
	extents := []payload.Extent{
		{StartBlock: 1, NumBlocks: 1},
		{StartBlock: 4, NumBlocks: 2},
	}
	c.Check(payload.ExtentsByteLength(extents, payload.BlockSize), Equals, uint64(3*payload.BlockSize))
}

func (s *payloadSuite) TestBsdiffPositionsString(c *C) {
	extents := []payload.Extent{
		{StartBlock: 1, NumBlocks: 1},
		{StartBlock: 4, NumBlocks: 2},
		{StartBlock: 0, NumBlocks: 1},
	}
	fullLength := uint64(4*payload.BlockSize - 13)
	out, err := payload.ExtentsBsdiffPositionsString(extents, payload.BlockSize, fullLength)
	c.Assert(err, IsNil)
	c.Check(out, Equals, "4096:4096,16384:8192,0:4083")
}

func (s *payloadSuite) TestBsdiffPositionsStringSparse(c *C) {
	extents := []payload.Extent{
		{StartBlock: payload.SparseHole, NumBlocks: 1},
		{StartBlock: 2, NumBlocks: 1},
	}
	out, err := payload.ExtentsBsdiffPositionsString(extents, payload.BlockSize, 2*payload.BlockSize)
	c.Assert(err, IsNil)
	c.Check(out, Equals, "0:4096,8192:4096")
}

func (s *payloadSuite) TestBsdiffPositionsStringLengthMismatch(c *C) {
	extents := []payload.Extent{{StartBlock: 0, NumBlocks: 1}}
	_, err := payload.ExtentsBsdiffPositionsString(extents, payload.BlockSize, 2*payload.BlockSize)
	c.Check(err, ErrorMatches, "extents cover 4096 bytes, expected 8192")
}

func (s *payloadSuite) TestManifestRoundTrip(c *C) {
	hash := make([]byte, 32)
	rand.Read(hash)
	m := &payload.Manifest{
		BlockSize:        payload.BlockSize,
		MinorVersion:     payload.SourceMinorPayloadVersion,
		SignaturesOffset: 12345,
		SignaturesSize:   678,
		NewRootfsInfo:    &payload.PartitionInfo{Size: 8192, Hash: hash},
		NewKernelInfo:    &payload.PartitionInfo{},
		OldRootfsInfo:    &payload.PartitionInfo{Size: 4096, Hash: hash},
		InstallOperations: []payload.InstallOperation{{
			Type:       payload.OperationSourceBsdiff,
			DataOffset: 10,
			DataLength: 20,
			SrcExtents: []payload.Extent{{StartBlock: 0, NumBlocks: 1}, {StartBlock: payload.SparseHole, NumBlocks: 2}},
			SrcLength:  4000,
			DstExtents: []payload.Extent{{StartBlock: 1, NumBlocks: 2}},
			DstLength:  8000,
			DataSHA256: hash,
		}},
		KernelInstallOperations: []payload.InstallOperation{{
			Type:       payload.OperationZero,
			DstExtents: []payload.Extent{{StartBlock: 3, NumBlocks: 1}},
		}},
	}

	parsed, err := payload.ParseManifest(payload.MarshalManifest(m))
	c.Assert(err, IsNil)
	c.Check(parsed, DeepEquals, m)
}

func (s *payloadSuite) TestParseManifestGarbage(c *C) {
	_, err := payload.ParseManifest([]byte{0xff, 0xff, 0xff})
	c.Check(err, ErrorMatches, "cannot parse manifest: .*")
}

func (s *payloadSuite) TestSignaturesRoundTrip(c *C) {
	sigs := []payload.Signature{
		{Version: 1, Data: []byte("first")},
		{Version: 2, Data: []byte("second")},
	}
	parsed, err := payload.ParseSignatures(payload.MarshalSignatures(sigs))
	c.Assert(err, IsNil)
	c.Check(parsed, DeepEquals, sigs)
}

type validateTest struct {
	fullPayload  bool
	oldKernel    bool
	oldRootfs    bool
	newKernel    bool
	newRootfs    bool
	minorVersion uint32
	expected     payload.ErrorCode
}

func (s *payloadSuite) TestValidateManifest(c *C) {
	for i, t := range []validateTest{
		// full payload, good
		{true, false, false, true, true, payload.FullPayloadMinorVersion, payload.ErrorCodeSuccess},
		// full payload may omit the minor version entirely
		{true, false, false, false, false, 0, payload.ErrorCodeSuccess},
		// delta payload, good
		{false, true, true, true, true, payload.SourceMinorPayloadVersion, payload.ErrorCodeSuccess},
		{false, true, true, true, true, payload.InPlaceMinorPayloadVersion, payload.ErrorCodeSuccess},
		// full payload with old partition info
		{true, true, false, true, true, payload.FullPayloadMinorVersion, payload.ErrorCodePayloadMismatchedType},
		{true, false, true, true, true, payload.FullPayloadMinorVersion, payload.ErrorCodePayloadMismatchedType},
		// full payload with a delta minor version
		{true, false, false, true, true, payload.SourceMinorPayloadVersion, payload.ErrorCodeUnsupportedMinorPayloadVersion},
		// delta payload without a minor version
		{false, true, true, true, true, 0, payload.ErrorCodeUnsupportedMinorPayloadVersion},
		// delta payload with an unknown minor version
		{false, true, true, true, true, payload.SourceMinorPayloadVersion + 10000, payload.ErrorCodeUnsupportedMinorPayloadVersion},
		// delta payload missing new partition info
		{false, true, true, false, true, payload.SourceMinorPayloadVersion, payload.ErrorCodePayloadMismatchedType},
		{false, true, true, true, false, payload.SourceMinorPayloadVersion, payload.ErrorCodePayloadMismatchedType},
	} {
		m := &payload.Manifest{MinorVersion: t.minorVersion}
		if t.oldKernel {
			m.OldKernelInfo = &payload.PartitionInfo{}
		}
		if t.oldRootfs {
			m.OldRootfsInfo = &payload.PartitionInfo{}
		}
		if t.newKernel {
			m.NewKernelInfo = &payload.PartitionInfo{}
		}
		if t.newRootfs {
			m.NewRootfsInfo = &payload.PartitionInfo{}
		}
		c.Check(m.Validate(t.fullPayload), Equals, t.expected, Commentf("case %d", i))
	}
}

func (s *payloadSuite) TestValidateWithRestrictedMinorVersions(c *C) {
	m := &payload.Manifest{
		MinorVersion:  payload.SourceMinorPayloadVersion,
		OldKernelInfo: &payload.PartitionInfo{},
		OldRootfsInfo: &payload.PartitionInfo{},
		NewKernelInfo: &payload.PartitionInfo{},
		NewRootfsInfo: &payload.PartitionInfo{},
	}
	c.Check(m.Validate(false), Equals, payload.ErrorCodeSuccess)
	c.Check(m.ValidateWithMinorVersions(false, []uint32{payload.SourceMinorPayloadVersion}), Equals, payload.ErrorCodeSuccess)
	c.Check(m.ValidateWithMinorVersions(false, []uint32{payload.InPlaceMinorPayloadVersion}), Equals, payload.ErrorCodeUnsupportedMinorPayloadVersion)
}

func (s *payloadSuite) TestVerifySignatureBlob(c *C) {
	key := payloadtest.GenerateKey()
	data := []byte("signed content")
	digest := sha256.Sum256(data)

	sigs := payloadtest.SignatureBlob(key, digest[:])
	c.Check(payload.VerifySignatureBlob(&key.PublicKey, digest[:], sigs), IsNil)

	otherDigest := sha256.Sum256([]byte("other content"))
	c.Check(payload.VerifySignatureBlob(&key.PublicKey, otherDigest[:], sigs), ErrorMatches, "cannot verify signature blob: .*")

	c.Check(payload.VerifySignatureBlob(&key.PublicKey, digest[:], payload.MarshalSignatures(nil)), ErrorMatches, "signature blob contains no signatures")
}

func (s *payloadSuite) TestErrorCodeStrings(c *C) {
	c.Check(payload.ErrorCodeSuccess.String(), Equals, "success")
	c.Check(payload.ErrorCodeDownloadInvalidMetadataMagicString.String(), Equals, "download-invalid-metadata-magic-string")
	c.Check(payload.ErrorCode(999).String(), Equals, "error-code-999")
	c.Check(payload.ErrorCodeSuccess.IsSuccess(), Equals, true)
	c.Check(payload.ErrorCodeError.IsSuccess(), Equals, false)
}

func (s *payloadSuite) TestOperationTypeHasData(c *C) {
	c.Check(payload.OperationReplace.HasData(), Equals, true)
	c.Check(payload.OperationReplaceBz.HasData(), Equals, true)
	c.Check(payload.OperationReplaceXz.HasData(), Equals, true)
	c.Check(payload.OperationBsdiff.HasData(), Equals, true)
	c.Check(payload.OperationSourceBsdiff.HasData(), Equals, true)
	c.Check(payload.OperationZero.HasData(), Equals, false)
	c.Check(payload.OperationSourceCopy.HasData(), Equals, false)
	c.Check(payload.OperationMove.HasData(), Equals, false)
}
