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
	"bytes"
	"crypto/sha256"
	"encoding"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/snapcore/update-engine/blockdev"
	"github.com/snapcore/update-engine/dirs"
	"github.com/snapcore/update-engine/logger"
	"github.com/snapcore/update-engine/payload"
	"github.com/snapcore/update-engine/prefs"
)

type performerState int

const (
	// stateMetadata buffers and validates the metadata region: magic,
	// header fields, manifest and (Brillo) metadata signature.
	stateMetadata performerState = iota
	// stateOperations executes install operations as their data
	// becomes available.
	stateOperations
	// stateSignature waits for and verifies the embedded payload
	// signature blob, then runs the final partition checks.
	stateSignature
	stateDone
	stateFailed
)

// operation pairs an install operation with the partition it targets.
type operation struct {
	op       payload.InstallOperation
	isKernel bool
}

// A Performer applies one payload to the target partitions. It is fed the
// payload as arbitrary byte chunks via Write; once Write has returned false
// the error is latched and the run is over.
type Performer struct {
	plan *InstallPlan

	progress ProgressSink
	store    *prefs.Store

	publicKeyPath          string
	supportedMajorVersions []uint64
	supportedMinorVersions []uint32

	target    *blockdev.Device
	kernel    *blockdev.Device
	srcRootfs *blockdev.Device
	srcKernel *blockdev.Device

	state     performerState
	lastError payload.ErrorCode

	// buffer holds received but not yet consumed payload bytes;
	// consumedOffset is the absolute payload offset of buffer[0].
	buffer         []byte
	consumedOffset uint64
	totalReceived  uint64

	headerParsed    bool
	majorVersion    uint64
	manifestSize    uint64
	metadataSigSize uint32
	metadataSize    uint64

	manifest     *payload.Manifest
	metadataHash []byte

	// payloadHash runs over every consumed byte up to the signature
	// blob; signedHash snapshots it at the signature boundary.
	payloadHash hash.Hash
	signedHash  []byte

	ops    []operation
	nextOp int

	resumed bool
}

// NewPerformer creates a performer for the given install plan.
func NewPerformer(plan *InstallPlan) *Performer {
	return &Performer{
		plan:                   plan,
		progress:               NullProgress,
		publicKeyPath:          dirs.PayloadPublicKeyFile,
		supportedMajorVersions: []uint64{payload.MajorVersionChromeOS, payload.MajorVersionBrillo},
		supportedMinorVersions: payload.SupportedDeltaMinorVersions,
		payloadHash:            sha256.New(),
	}
}

// SetProgressSink directs progress notifications to the given sink.
func (p *Performer) SetProgressSink(sink ProgressSink) {
	if sink == nil {
		sink = NullProgress
	}
	p.progress = sink
}

// SetPrefs enables checkpoint persistence through the given store.
func (p *Performer) SetPrefs(store *prefs.Store) {
	p.store = store
}

// SetPublicKeyPath overrides the on-device public key location; used by
// tests.
func (p *Performer) SetPublicKeyPath(path string) {
	p.publicKeyPath = path
}

// SetSupportedMajorVersions restricts the accepted payload major versions,
// typically to what the engine conf announces.
func (p *Performer) SetSupportedMajorVersions(versions []uint64) {
	p.supportedMajorVersions = versions
}

// SetSupportedMinorVersions restricts the accepted delta minor versions,
// typically to what the engine conf announces.
func (p *Performer) SetSupportedMinorVersions(versions []uint32) {
	p.supportedMinorVersions = versions
}

// Open opens the rootfs install device.
func (p *Performer) Open(path string) error {
	dev, err := blockdev.Open(path)
	if err != nil {
		return err
	}
	p.target = dev
	return nil
}

// OpenKernel opens the kernel install device.
func (p *Performer) OpenKernel(path string) error {
	dev, err := blockdev.Open(path)
	if err != nil {
		return err
	}
	p.kernel = dev
	return nil
}

// OpenSourceRootfs opens the old rootfs image read-only; delta payloads
// only.
func (p *Performer) OpenSourceRootfs(path string) error {
	dev, err := blockdev.OpenReadOnly(path)
	if err != nil {
		return err
	}
	p.srcRootfs = dev
	return nil
}

// OpenSourceKernel opens the old kernel image read-only; delta payloads
// only.
func (p *Performer) OpenSourceKernel(path string) error {
	dev, err := blockdev.OpenReadOnly(path)
	if err != nil {
		return err
	}
	p.srcKernel = dev
	return nil
}

// IsHeaderParsed returns whether the fixed-length payload header has been
// recognized.
func (p *Performer) IsHeaderParsed() bool {
	return p.headerParsed
}

// GetMajorVersion returns the payload major version, once the header is
// parsed.
func (p *Performer) GetMajorVersion() uint64 {
	return p.majorVersion
}

// GetManifestOffset returns the offset of the manifest within the payload,
// once the header is parsed.
func (p *Performer) GetManifestOffset() (uint64, bool) {
	if !p.headerParsed {
		return 0, false
	}
	return payload.ManifestOffset(p.majorVersion), true
}

// GetMetadataSize returns the size of the whole metadata region, once the
// header is parsed.
func (p *Performer) GetMetadataSize() uint64 {
	return p.metadataSize
}

// Manifest returns the parsed manifest, or nil before it is available.
func (p *Performer) Manifest() *payload.Manifest {
	return p.manifest
}

// ErrorCode returns the terminal status of the run so far.
func (p *Performer) ErrorCode() payload.ErrorCode {
	if p.state == stateDone {
		return payload.ErrorCodeSuccess
	}
	if p.state == stateFailed {
		return p.lastError
	}
	return payload.ErrorCodeError
}

func (p *Performer) fail(code payload.ErrorCode, format string, v ...interface{}) bool {
	logger.Noticef("payload application failed (%v): %s", code, fmt.Sprintf(format, v...))
	p.state = stateFailed
	p.lastError = code
	return false
}

// Write absorbs the next chunk of the payload byte stream. It returns true
// while the payload is still internally consistent; a false return latches
// a terminal error readable via ErrorCode.
func (p *Performer) Write(data []byte) bool {
	ok, _ := p.WriteWithCode(data)
	return ok
}

// WriteWithCode is Write, also reporting the error code on failure.
func (p *Performer) WriteWithCode(data []byte) (bool, payload.ErrorCode) {
	if p.state == stateFailed {
		return false, p.lastError
	}
	if p.state == stateDone {
		p.fail(payload.ErrorCodePayloadSizeMismatchError, "trailing data after completed payload")
		return false, p.lastError
	}

	p.totalReceived += uint64(len(data))
	p.buffer = append(p.buffer, data...)
	p.progress.DownloadProgress(p.totalReceived)

	for {
		var again bool
		switch p.state {
		case stateMetadata:
			again = p.stepMetadata()
		case stateOperations:
			again = p.stepOperations()
		case stateSignature:
			again = p.stepSignature()
		default:
			again = false
		}
		if !again {
			break
		}
	}

	if p.state == stateFailed {
		return false, p.lastError
	}
	return true, payload.ErrorCodeSuccess
}

// stepMetadata incrementally parses the metadata region. It returns true
// when it made progress and should be called again.
func (p *Performer) stepMetadata() bool {
	// The magic cannot be judged before the version field is also
	// available; short garbage keeps buffering.
	if !p.headerParsed {
		if uint64(len(p.buffer)) < payload.MagicSize+payload.MajorVersionSize {
			return false
		}
		if !bytes.Equal(p.buffer[:payload.MagicSize], []byte(payload.Magic)) {
			return p.fail(payload.ErrorCodeDownloadInvalidMetadataMagicString, "bad payload magic %q", string(p.buffer[:payload.MagicSize]))
		}
		major := binary.BigEndian.Uint64(p.buffer[payload.MagicSize:])
		if !p.majorVersionSupported(major) {
			return p.fail(payload.ErrorCodeUnsupportedMajorPayloadVersion, "unsupported payload major version %d", major)
		}

		headerSize := payload.HeaderSize(major)
		if uint64(len(p.buffer)) < headerSize {
			return false
		}
		p.majorVersion = major
		p.manifestSize = binary.BigEndian.Uint64(p.buffer[payload.MagicSize+payload.MajorVersionSize:])
		if major >= payload.MajorVersionBrillo {
			p.metadataSigSize = binary.BigEndian.Uint32(p.buffer[payload.MagicSize+payload.MajorVersionSize+payload.ManifestSizeFieldSize:])
		}
		p.metadataSize = headerSize + p.manifestSize + uint64(p.metadataSigSize)
		p.headerParsed = true

		// Cross-check the metadata size against what the discovery
		// response announced before trusting any of it.
		if p.plan.MetadataSize != 0 && p.plan.MetadataSize != p.metadataSize {
			if p.plan.HashChecksMandatory {
				return p.fail(payload.ErrorCodeDownloadInvalidMetadataSize, "expected metadata size %d, payload has %d", p.plan.MetadataSize, p.metadataSize)
			}
			logger.Noticef("expected metadata size %d differs from payload metadata size %d, proceeding (hash checks not mandatory)", p.plan.MetadataSize, p.metadataSize)
			p.plan.MetadataSize = p.metadataSize
		} else if p.plan.MetadataSize == 0 {
			// Soft-trust the size announced by the payload itself.
			logger.Noticef("no expected metadata size in install plan, adopting %d from payload", p.metadataSize)
			p.plan.MetadataSize = p.metadataSize
		}
	}

	if uint64(len(p.buffer)) < p.metadataSize {
		return false
	}

	headerSize := payload.HeaderSize(p.majorVersion)
	metadata := p.buffer[:p.metadataSize]
	signedMetadata := metadata[:headerSize+p.manifestSize]

	if code := p.verifyMetadataSignature(signedMetadata, metadata[headerSize+p.manifestSize:]); code != payload.ErrorCodeSuccess {
		// Metadata signature trouble is only fatal in the strict
		// regime; data block hashes remain enforced either way.
		if p.plan.HashChecksMandatory {
			p.state = stateFailed
			p.lastError = code
			return false
		}
		logger.Noticef("ignoring metadata signature failure (%v), hash checks not mandatory", code)
	}

	manifest, err := payload.ParseManifest(metadata[headerSize : headerSize+p.manifestSize])
	if err != nil {
		return p.fail(payload.ErrorCodeDownloadManifestParseError, "%v", err)
	}
	if code := manifest.ValidateWithMinorVersions(p.plan.IsFullUpdate, p.supportedMinorVersions); code != payload.ErrorCodeSuccess {
		p.state = stateFailed
		p.lastError = code
		return false
	}
	p.manifest = manifest

	digest := sha256.Sum256(signedMetadata)
	p.metadataHash = digest[:]

	p.ops = p.ops[:0]
	for _, op := range manifest.InstallOperations {
		p.ops = append(p.ops, operation{op: op})
	}
	for _, op := range manifest.KernelInstallOperations {
		p.ops = append(p.ops, operation{op: op, isKernel: true})
	}

	// The metadata region is consumed; everything after it is the data
	// region the operations index into.
	p.payloadHash.Write(metadata)
	p.buffer = append(p.buffer[:0], p.buffer[p.metadataSize:]...)
	p.consumedOffset = p.metadataSize
	p.state = stateOperations

	p.maybeResume()

	logger.Debugf("metadata parsed: major %d, minor %d, %d rootfs ops, %d kernel ops",
		p.majorVersion, manifest.MinorVersion, len(manifest.InstallOperations), len(manifest.KernelInstallOperations))
	return true
}

func (p *Performer) majorVersionSupported(major uint64) bool {
	for _, v := range p.supportedMajorVersions {
		if major == v {
			return true
		}
	}
	return false
}

// verifyMetadataSignature checks the signature over header+manifest. For
// Brillo payloads the signature blob travels inside the metadata region;
// for ChromeOS payloads it comes base64 encoded in the install plan.
func (p *Performer) verifyMetadataSignature(signedMetadata, inPayloadSig []byte) payload.ErrorCode {
	havePlanSig := p.plan.MetadataSignature != ""
	haveBlobSig := len(inPayloadSig) > 0

	if !havePlanSig && !haveBlobSig {
		if p.plan.HashChecksMandatory {
			logger.Noticef("missing mandatory metadata signature")
			return payload.ErrorCodeDownloadMetadataSignatureMissingError
		}
		logger.Debugf("no metadata signature to verify")
		return payload.ErrorCodeSuccess
	}

	key, err := p.resolvePublicKey()
	if err != nil {
		logger.Noticef("cannot resolve public key: %v", err)
		return payload.ErrorCodeDownloadMetadataSignatureError
	}
	if key == nil {
		logger.Noticef("no public key available, skipping metadata signature verification")
		return payload.ErrorCodeSuccess
	}

	digest := sha256.Sum256(signedMetadata)

	if haveBlobSig {
		if err := payload.VerifySignatureBlob(key, digest[:], inPayloadSig); err != nil {
			logger.Noticef("metadata signature blob does not verify: %v", err)
			return payload.ErrorCodeDownloadMetadataSignatureMismatch
		}
		return payload.ErrorCodeSuccess
	}

	sig, err := base64.StdEncoding.DecodeString(p.plan.MetadataSignature)
	if err != nil {
		logger.Noticef("cannot decode metadata signature: %v", err)
		return payload.ErrorCodeDownloadMetadataSignatureError
	}
	if err := payload.VerifySignedHash(key, digest[:], sig); err != nil {
		logger.Noticef("metadata signature does not verify: %v", err)
		return payload.ErrorCodeDownloadMetadataSignatureMismatch
	}
	return payload.ErrorCodeSuccess
}

// stepOperations executes install operations while their data is
// available. It returns true when it made progress.
func (p *Performer) stepOperations() bool {
	for p.nextOp < len(p.ops) {
		cur := p.ops[p.nextOp]
		op := cur.op

		if op.Type.HasData() {
			expected := p.metadataSize + op.DataOffset
			if p.consumedOffset != expected {
				p.fail(payload.ErrorCodeDownloadOperationExecutionError, "operation %d data offset %d does not tile the data region (at %d)", p.nextOp, expected, p.consumedOffset)
				return false
			}
			if uint64(len(p.buffer)) < op.DataLength {
				return false
			}
		}

		data := p.buffer[:op.DataLength]
		if code := p.checkOperationHash(op, data); code != payload.ErrorCodeSuccess {
			p.state = stateFailed
			p.lastError = code
			return false
		}

		if err := p.performOperation(cur, data); err != nil {
			p.fail(payload.ErrorCodeDownloadOperationExecutionError, "operation %d (%v) failed: %v", p.nextOp, op.Type, err)
			return false
		}

		if err := p.deviceFor(cur).Sync(); err != nil {
			p.fail(payload.ErrorCodeDownloadWriteError, "cannot sync install device: %v", err)
			return false
		}

		if op.DataLength > 0 {
			p.payloadHash.Write(data)
			p.consumedOffset += op.DataLength
			p.buffer = append(p.buffer[:0], p.buffer[op.DataLength:]...)
		}
		p.nextOp++

		if err := p.saveCheckpoint(); err != nil {
			logger.Noticef("cannot save checkpoint: %v", err)
		}
	}

	p.state = stateSignature
	return true
}

func (p *Performer) checkOperationHash(op payload.InstallOperation, data []byte) payload.ErrorCode {
	if len(op.DataSHA256) == 0 {
		if op.Type.HasData() && p.plan.HashChecksMandatory {
			logger.Noticef("missing mandatory operation data hash")
			return payload.ErrorCodeDownloadOperationHashMissingError
		}
		return payload.ErrorCodeSuccess
	}
	digest := sha256.Sum256(data)
	if !bytes.Equal(digest[:], op.DataSHA256) {
		logger.Noticef("operation data hash mismatch")
		return payload.ErrorCodeDownloadOperationHashMismatch
	}
	return payload.ErrorCodeSuccess
}

// stepSignature verifies the embedded payload signature, if any, and runs
// the final whole-partition checks.
func (p *Performer) stepSignature() bool {
	m := p.manifest

	if m.SignaturesOffset == 0 && m.SignaturesSize == 0 {
		if p.plan.HashChecksMandatory {
			p.fail(payload.ErrorCodeSignedDeltaPayloadExpectedError, "unsigned payload with mandatory hash checks")
			return false
		}
		return p.finalize(nil)
	}

	expected := p.metadataSize + m.SignaturesOffset
	if p.consumedOffset != expected {
		p.fail(payload.ErrorCodeDownloadPayloadVerificationError, "signature blob at %d does not follow the last operation (at %d)", expected, p.consumedOffset)
		return false
	}
	if uint64(len(p.buffer)) < m.SignaturesSize {
		return false
	}

	// All signed bytes have been hashed at this point; the signature
	// blob itself stays out of the digest it signs.
	p.signedHash = p.payloadHash.Sum(nil)
	blob := make([]byte, m.SignaturesSize)
	copy(blob, p.buffer[:m.SignaturesSize])
	p.buffer = append(p.buffer[:0], p.buffer[m.SignaturesSize:]...)
	p.consumedOffset += m.SignaturesSize

	return p.finalize(blob)
}

// finalize verifies the payload signature blob (when present) and the new
// partition hashes, completing the run.
func (p *Performer) finalize(sigBlob []byte) bool {
	if sigBlob != nil {
		key, err := p.resolvePublicKey()
		if err != nil {
			p.fail(payload.ErrorCodeDownloadPayloadPubKeyVerificationError, "cannot resolve public key: %v", err)
			return false
		}
		if key == nil {
			logger.Noticef("no public key available, skipping payload signature verification")
		} else if err := payload.VerifySignatureBlob(key, p.signedHash, sigBlob); err != nil {
			p.fail(payload.ErrorCodeDownloadPayloadPubKeyVerificationError, "payload signature does not verify: %v", err)
			return false
		}
	}

	if code := p.verifyNewPartition(p.target, p.manifest.NewRootfsInfo); code != payload.ErrorCodeSuccess {
		p.state = stateFailed
		p.lastError = code
		return false
	}
	if code := p.verifyNewPartition(p.kernel, p.manifest.NewKernelInfo); code != payload.ErrorCodeSuccess {
		p.state = stateFailed
		p.lastError = code
		return false
	}

	p.state = stateDone
	p.discardCheckpoint()
	logger.Debugf("payload applied, %d bytes consumed", p.consumedOffset)
	return false
}

func (p *Performer) verifyNewPartition(dev *blockdev.Device, info *payload.PartitionInfo) payload.ErrorCode {
	if dev == nil || info == nil || info.Size == 0 || len(info.Hash) == 0 {
		return payload.ErrorCodeSuccess
	}
	digest, err := dev.HashRange(info.Size)
	if err != nil {
		logger.Noticef("cannot hash new partition: %v", err)
		return payload.ErrorCodePayloadHashMismatchError
	}
	if !bytes.Equal(digest, info.Hash) {
		logger.Noticef("new partition hash mismatch")
		return payload.ErrorCodePayloadHashMismatchError
	}
	return payload.ErrorCodeSuccess
}

// Close finishes the run. It returns nil only if the whole payload was
// applied and verified; an unfinished or failed run reports an error after
// releasing all devices.
func (p *Performer) Close() error {
	var firstErr error
	for _, dev := range []*blockdev.Device{p.target, p.kernel, p.srcRootfs, p.srcKernel} {
		if dev == nil {
			continue
		}
		if err := dev.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.target, p.kernel, p.srcRootfs, p.srcKernel = nil, nil, nil, nil

	if firstErr != nil {
		return firstErr
	}
	switch p.state {
	case stateDone:
		return nil
	case stateFailed:
		return fmt.Errorf("payload application failed: %v", p.lastError)
	}
	return errors.New("payload application did not complete")
}

// hashMarshaler is the subset of hash state (de)serialization the
// checkpoint relies on; the stdlib SHA-256 implements it.
type hashMarshaler interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func (p *Performer) saveCheckpoint() error {
	if p.store == nil || p.plan.PayloadID == "" {
		return nil
	}
	m, ok := p.payloadHash.(hashMarshaler)
	if !ok {
		return errors.New("hash state is not serializable")
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return p.store.Put(p.plan.PayloadID, &prefs.Checkpoint{
		MajorVersion:  p.majorVersion,
		MetadataSize:  p.metadataSize,
		MetadataHash:  p.metadataHash,
		NextOperation: p.nextOp,
		Offset:        p.consumedOffset,
		HashState:     state,
	})
}

func (p *Performer) discardCheckpoint() {
	if p.store == nil || p.plan.PayloadID == "" {
		return
	}
	if err := p.store.Delete(p.plan.PayloadID, p.majorVersion); err != nil {
		logger.Noticef("cannot discard checkpoint: %v", err)
	}
}

// maybeResume fast-forwards the executor to a stored checkpoint, right
// after the metadata region has been parsed and verified. The caller is
// then expected to seek the download to ResumeOffset and feed from there.
// A checkpoint inconsistent with the parsed header is discarded.
func (p *Performer) maybeResume() {
	if p.store == nil || p.plan.PayloadID == "" {
		return
	}
	cp, err := p.store.Get(p.plan.PayloadID, p.majorVersion)
	if err != nil {
		if err != prefs.ErrNoCheckpoint {
			logger.Noticef("cannot load checkpoint: %v", err)
		}
		return
	}
	if cp.MetadataSize != p.metadataSize || cp.MajorVersion != p.majorVersion ||
		!bytes.Equal(cp.MetadataHash, p.metadataHash) ||
		cp.NextOperation > len(p.ops) || cp.Offset < p.metadataSize {
		logger.Noticef("stored checkpoint is inconsistent with the payload, restarting from scratch")
		p.discardCheckpoint()
		return
	}
	m, ok := p.payloadHash.(hashMarshaler)
	if !ok {
		return
	}
	if err := m.UnmarshalBinary(cp.HashState); err != nil {
		logger.Noticef("cannot restore hash state: %v", err)
		p.discardCheckpoint()
		return
	}
	p.nextOp = cp.NextOperation
	p.consumedOffset = cp.Offset
	p.buffer = p.buffer[:0]
	p.resumed = true
	logger.Noticef("resuming at operation %d, payload offset %d", p.nextOp, p.consumedOffset)
}

// Resumed returns whether this run was fast-forwarded from a checkpoint.
func (p *Performer) Resumed() bool {
	return p.resumed
}

// ResumeOffset returns the absolute payload offset the download should be
// sought to after a resume.
func (p *Performer) ResumeOffset() uint64 {
	return p.consumedOffset
}
