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
)

// ErrorCode is the terminal status of a payload application. The ordinals
// are stable, they double as metrics reporting codes and must not be
// renumbered.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0
	ErrorCodeError   ErrorCode = 1

	ErrorCodePayloadMismatchedType                  ErrorCode = 6
	ErrorCodeInstallDeviceOpenError                 ErrorCode = 7
	ErrorCodeKernelDeviceOpenError                  ErrorCode = 8
	ErrorCodePayloadHashMismatchError               ErrorCode = 10
	ErrorCodePayloadSizeMismatchError               ErrorCode = 11
	ErrorCodeDownloadPayloadVerificationError       ErrorCode = 12
	ErrorCodeDownloadWriteError                     ErrorCode = 14
	ErrorCodeNewRootfsVerificationError             ErrorCode = 15
	ErrorCodeNewKernelVerificationError             ErrorCode = 16
	ErrorCodeSignedDeltaPayloadExpectedError        ErrorCode = 17
	ErrorCodeDownloadPayloadPubKeyVerificationError ErrorCode = 18
	ErrorCodePostinstallBootedFromFirmwareB         ErrorCode = 19
	ErrorCodeDownloadStateInitializationError       ErrorCode = 20
	ErrorCodeDownloadInvalidMetadataMagicString     ErrorCode = 21
	ErrorCodeDownloadManifestParseError             ErrorCode = 23
	ErrorCodeDownloadMetadataSignatureError         ErrorCode = 24
	ErrorCodeDownloadMetadataSignatureMismatch      ErrorCode = 26
	ErrorCodeDownloadOperationHashVerificationError ErrorCode = 27
	ErrorCodeDownloadOperationExecutionError        ErrorCode = 28
	ErrorCodeDownloadOperationHashMismatch          ErrorCode = 29
	ErrorCodeDownloadInvalidMetadataSize            ErrorCode = 32
	ErrorCodeDownloadInvalidMetadataSignature       ErrorCode = 33
	ErrorCodeDownloadOperationHashMissingError      ErrorCode = 38
	ErrorCodeDownloadMetadataSignatureMissingError  ErrorCode = 39
	ErrorCodePostinstallPowerwashError              ErrorCode = 41
	ErrorCodePostinstallFirmwareRONotUpdatable      ErrorCode = 43
	ErrorCodeUnsupportedMajorPayloadVersion         ErrorCode = 44
	ErrorCodeUnsupportedMinorPayloadVersion         ErrorCode = 45
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeSuccess:                                "success",
	ErrorCodeError:                                  "error",
	ErrorCodePayloadMismatchedType:                  "payload-mismatched-type",
	ErrorCodeInstallDeviceOpenError:                 "install-device-open-error",
	ErrorCodeKernelDeviceOpenError:                  "kernel-device-open-error",
	ErrorCodePayloadHashMismatchError:               "payload-hash-mismatch-error",
	ErrorCodePayloadSizeMismatchError:               "payload-size-mismatch-error",
	ErrorCodeDownloadPayloadVerificationError:       "download-payload-verification-error",
	ErrorCodeDownloadWriteError:                     "download-write-error",
	ErrorCodeNewRootfsVerificationError:             "new-rootfs-verification-error",
	ErrorCodeNewKernelVerificationError:             "new-kernel-verification-error",
	ErrorCodeSignedDeltaPayloadExpectedError:        "signed-delta-payload-expected-error",
	ErrorCodeDownloadPayloadPubKeyVerificationError: "download-payload-pub-key-verification-error",
	ErrorCodePostinstallBootedFromFirmwareB:         "postinstall-booted-from-firmware-b",
	ErrorCodeDownloadStateInitializationError:       "download-state-initialization-error",
	ErrorCodeDownloadInvalidMetadataMagicString:     "download-invalid-metadata-magic-string",
	ErrorCodeDownloadManifestParseError:             "download-manifest-parse-error",
	ErrorCodeDownloadMetadataSignatureError:         "download-metadata-signature-error",
	ErrorCodeDownloadMetadataSignatureMismatch:      "download-metadata-signature-mismatch",
	ErrorCodeDownloadOperationHashVerificationError: "download-operation-hash-verification-error",
	ErrorCodeDownloadOperationExecutionError:        "download-operation-execution-error",
	ErrorCodeDownloadOperationHashMismatch:          "download-operation-hash-mismatch",
	ErrorCodeDownloadInvalidMetadataSize:            "download-invalid-metadata-size",
	ErrorCodeDownloadInvalidMetadataSignature:       "download-invalid-metadata-signature",
	ErrorCodeDownloadOperationHashMissingError:      "download-operation-hash-missing-error",
	ErrorCodeDownloadMetadataSignatureMissingError:  "download-metadata-signature-missing-error",
	ErrorCodePostinstallPowerwashError:              "postinstall-powerwash-error",
	ErrorCodePostinstallFirmwareRONotUpdatable:      "postinstall-firmware-ro-not-updatable",
	ErrorCodeUnsupportedMajorPayloadVersion:         "unsupported-major-payload-version",
	ErrorCodeUnsupportedMinorPayloadVersion:         "unsupported-minor-payload-version",
}

func (code ErrorCode) String() string {
	if name, ok := errorCodeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("error-code-%d", int(code))
}

// IsSuccess returns whether the code denotes a fully successful application.
func (code ErrorCode) IsSuccess() bool {
	return code == ErrorCodeSuccess
}
