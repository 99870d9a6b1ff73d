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

// Package payloadtest builds well-formed (and deliberately malformed)
// update payloads for the test suites.
package payloadtest

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"os"

	"github.com/dsnet/compress/bzip2"

	"github.com/snapcore/update-engine/payload"
)

// Params describes the payload to build.
type Params struct {
	MajorVersion uint64
	MinorVersion uint32

	// Blob is the data region content referenced by the operations
	// (excluding any signature blob, which Build appends itself).
	Blob []byte

	Operations       []payload.InstallOperation
	KernelOperations []payload.InstallOperation

	// NewRootfs, when set, fills new_rootfs_info with its size and
	// hash so the applier's final partition check has something to
	// verify.
	NewRootfs []byte
	OldRootfs []byte

	// SignKey, when set, embeds a payload signature blob signed by it.
	SignKey *rsa.PrivateKey

	// MetadataSigKey, when set (Brillo payloads), embeds a metadata
	// signature after the manifest.
	MetadataSigKey *rsa.PrivateKey
}

// Payload is a generated payload plus the layout facts tests assert on.
type Payload struct {
	Bytes        []byte
	MetadataSize uint64
	Manifest     *payload.Manifest
}

func partitionInfo(data []byte) *payload.PartitionInfo {
	digest := sha256.Sum256(data)
	return &payload.PartitionInfo{
		Size: uint64(len(data)),
		Hash: digest[:],
	}
}

// rsaSignatureSize returns the size of a raw signature for the key.
func rsaSignatureSize(key *rsa.PrivateKey) int {
	return key.PublicKey.Size()
}

func signDigest(key *rsa.PrivateKey, digest []byte) []byte {
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	if err != nil {
		panic(err)
	}
	return sig
}

// signatureBlobSize returns the size of a Signatures blob for the key,
// measured on a placeholder signature before the real signature exists.
func signatureBlobSize(key *rsa.PrivateKey) uint64 {
	placeholder := payload.MarshalSignatures([]payload.Signature{{
		Version: 1,
		Data:    make([]byte, rsaSignatureSize(key)),
	}})
	return uint64(len(placeholder))
}

// withDataHashes fills in the data hash of data-bearing operations that do
// not carry one already, the way real payload generators do.
func withDataHashes(ops []payload.InstallOperation, blob []byte) []payload.InstallOperation {
	out := append([]payload.InstallOperation(nil), ops...)
	for i, op := range out {
		if !op.Type.HasData() || op.DataLength == 0 || op.DataSHA256 != nil {
			continue
		}
		digest := sha256.Sum256(blob[op.DataOffset : op.DataOffset+op.DataLength])
		out[i].DataSHA256 = digest[:]
	}
	return out
}

// Build assembles the payload. The manifest's signature fields, the
// metadata signature and the payload signature are derived from the
// params.
func Build(p Params) *Payload {
	manifest := &payload.Manifest{
		BlockSize:               payload.BlockSize,
		MinorVersion:            p.MinorVersion,
		InstallOperations:       withDataHashes(p.Operations, p.Blob),
		KernelInstallOperations: withDataHashes(p.KernelOperations, p.Blob),
	}
	if p.NewRootfs != nil {
		manifest.NewRootfsInfo = partitionInfo(p.NewRootfs)
	}
	if p.OldRootfs != nil {
		manifest.OldRootfsInfo = partitionInfo(p.OldRootfs)
	}
	if p.MinorVersion != payload.FullPayloadMinorVersion {
		// delta payloads must describe both new images; an absent
		// kernel is represented as an empty partition
		if manifest.NewKernelInfo == nil {
			manifest.NewKernelInfo = &payload.PartitionInfo{}
		}
	}
	if p.SignKey != nil {
		manifest.SignaturesOffset = uint64(len(p.Blob))
		manifest.SignaturesSize = signatureBlobSize(p.SignKey)
	}

	manifestBytes := payload.MarshalManifest(manifest)

	var metadataSig []byte
	header := buildHeader(p.MajorVersion, uint64(len(manifestBytes)), 0)
	if p.MajorVersion >= payload.MajorVersionBrillo && p.MetadataSigKey != nil {
		// sizing first: the signature size field is part of the
		// header, but the signature covers header+manifest only
		sigSize := signatureBlobSize(p.MetadataSigKey)
		header = buildHeader(p.MajorVersion, uint64(len(manifestBytes)), uint32(sigSize))
		digest := sha256.Sum256(append(append([]byte{}, header...), manifestBytes...))
		metadataSig = payload.MarshalSignatures([]payload.Signature{{
			Version: 1,
			Data:    signDigest(p.MetadataSigKey, digest[:]),
		}})
	}

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(manifestBytes)
	buf.Write(metadataSig)
	metadataSize := uint64(buf.Len())
	buf.Write(p.Blob)

	if p.SignKey != nil {
		digest := sha256.Sum256(buf.Bytes())
		blob := payload.MarshalSignatures([]payload.Signature{{
			Version: 1,
			Data:    signDigest(p.SignKey, digest[:]),
		}})
		buf.Write(blob)
	}

	return &Payload{
		Bytes:        buf.Bytes(),
		MetadataSize: metadataSize,
		Manifest:     manifest,
	}
}

func buildHeader(major, manifestSize uint64, metadataSigSize uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString(payload.Magic)
	binary.Write(&buf, binary.BigEndian, major)
	binary.Write(&buf, binary.BigEndian, manifestSize)
	if major >= payload.MajorVersionBrillo {
		binary.Write(&buf, binary.BigEndian, metadataSigSize)
	}
	return buf.Bytes()
}

// MetadataSignature computes the base64 signature over the metadata region
// of a built payload, as the discovery response would deliver it.
func MetadataSignature(p *Payload, key *rsa.PrivateKey) string {
	digest := sha256.Sum256(p.Bytes[:p.MetadataSize])
	return base64.StdEncoding.EncodeToString(signDigest(key, digest[:]))
}

// SignatureBlob builds a serialized Signatures blob carrying one raw RSA
// signature over the given digest.
func SignatureBlob(key *rsa.PrivateKey, digest []byte) []byte {
	return payload.MarshalSignatures([]payload.Signature{{
		Version: 1,
		Data:    signDigest(key, digest),
	}})
}

// GenerateKey generates a fresh RSA signing key.
func GenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

// WritePublicKey writes the PEM encoded public half of key to path.
func WritePublicKey(key *rsa.PrivateKey, path string) error {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}), 0644)
}

// BzipCompress compresses data with bzip2, for REPLACE_BZ fixtures and
// bsdiff patch blocks.
func BzipCompress(data []byte) []byte {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 9})
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(data); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// BsdiffPatch builds a patch that transforms old into new: a single
// control triple diffing the common prefix and appending the rest as
// extra bytes.
func BsdiffPatch(old, newData []byte) []byte {
	diffLen := len(newData)
	if len(old) < diffLen {
		diffLen = len(old)
	}
	diff := make([]byte, diffLen)
	for i := 0; i < diffLen; i++ {
		diff[i] = newData[i] - old[i]
	}
	extra := newData[diffLen:]

	ctrl := make([]byte, 24)
	putOfft(ctrl[0:], int64(diffLen))
	putOfft(ctrl[8:], int64(len(extra)))
	putOfft(ctrl[16:], 0)

	ctrlBz := BzipCompress(ctrl)
	diffBz := BzipCompress(diff)
	extraBz := BzipCompress(extra)

	var buf bytes.Buffer
	buf.WriteString("BSDIFF40")
	lens := make([]byte, 24)
	putOfft(lens[0:], int64(len(ctrlBz)))
	putOfft(lens[8:], int64(len(diffBz)))
	putOfft(lens[16:], int64(len(newData)))
	buf.Write(lens)
	buf.Write(ctrlBz)
	buf.Write(diffBz)
	buf.Write(extraBz)
	return buf.Bytes()
}

func putOfft(buf []byte, v int64) {
	neg := v < 0
	if neg {
		v = -v
	}
	binary.LittleEndian.PutUint64(buf, uint64(v))
	if neg {
		buf[7] |= 0x80
	}
}
