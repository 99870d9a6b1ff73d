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
	"github.com/snapcore/update-engine/logger"
)

// SupportedDeltaMinorVersions are the delta dialects this engine can apply
// when the release conf does not restrict them further.
var SupportedDeltaMinorVersions = []uint32{
	InPlaceMinorPayloadVersion,
	SourceMinorPayloadVersion,
}

func minorVersionSupported(v uint32, supported []uint32) bool {
	for _, s := range supported {
		if v == s {
			return true
		}
	}
	return false
}

// Validate checks the manifest against the payload type the install plan
// announced, accepting any of the engine's known delta dialects.
func (m *Manifest) Validate(isFullPayload bool) ErrorCode {
	return m.ValidateWithMinorVersions(isFullPayload, SupportedDeltaMinorVersions)
}

// ValidateWithMinorVersions checks the manifest against the payload type
// the install plan announced. A full payload must carry no information
// about the old images and uses the full-payload minor version sentinel; a
// delta payload must carry one of the given minor versions and describe
// both new images.
func (m *Manifest) ValidateWithMinorVersions(isFullPayload bool, supportedMinors []uint32) ErrorCode {
	if isFullPayload {
		if m.OldKernelInfo != nil || m.OldRootfsInfo != nil {
			logger.Noticef("full payload unexpectedly carries old partition info")
			return ErrorCodePayloadMismatchedType
		}
		// An unset minor version decodes as zero, the full payload
		// sentinel, so both "absent" and "explicitly full" pass here.
		if m.MinorVersion != FullPayloadMinorVersion {
			logger.Noticef("full payload with unexpected minor version %d", m.MinorVersion)
			return ErrorCodeUnsupportedMinorPayloadVersion
		}
	} else {
		if !minorVersionSupported(m.MinorVersion, supportedMinors) {
			logger.Noticef("delta payload with unsupported minor version %d", m.MinorVersion)
			return ErrorCodeUnsupportedMinorPayloadVersion
		}
		if m.NewRootfsInfo == nil || m.NewKernelInfo == nil {
			logger.Noticef("delta payload without new partition info")
			return ErrorCodePayloadMismatchedType
		}
	}

	return ErrorCodeSuccess
}
