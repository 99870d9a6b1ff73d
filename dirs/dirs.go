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

// Package dirs holds the well-known filesystem locations the update engine
// reads and writes. All paths are anchored on a global root directory so
// tests can relocate the whole tree.
package dirs

import (
	"path/filepath"
)

var (
	// GlobalRootDir is the root directory of the system.
	GlobalRootDir string

	// PayloadPublicKeyFile is the on-device RSA public key used to verify
	// payload and metadata signatures.
	PayloadPublicKeyFile string

	// UpdateEngineConfFile carries the supported payload versions as a
	// key=value file.
	UpdateEngineConfFile string

	// LSBReleaseFile carries channel and build type information of the
	// running image.
	LSBReleaseFile string

	// StatefulLSBReleaseFile overrides select lsb-release values across
	// updates; a pending channel change lives here.
	StatefulLSBReleaseFile string

	// PrefsDBFile is the database holding resumable update state.
	PrefsDBFile string

	// PowerwashMarkerFile requests a factory reset on the next boot when
	// present.
	PowerwashMarkerFile string
)

func init() {
	SetRootDir("/")
}

// SetRootDir rebases all the well-known paths on the given root.
func SetRootDir(rootdir string) {
	if rootdir == "" {
		panic("SetRootDir called with empty string")
	}
	GlobalRootDir = rootdir

	PayloadPublicKeyFile = filepath.Join(rootdir, "usr/share/update-engine/update-payload-key.pub.pem")
	UpdateEngineConfFile = filepath.Join(rootdir, "etc/update-engine.conf")
	LSBReleaseFile = filepath.Join(rootdir, "etc/lsb-release")
	StatefulLSBReleaseFile = filepath.Join(rootdir, "mnt/stateful_partition/etc/lsb-release")
	PrefsDBFile = filepath.Join(rootdir, "var/lib/update-engine/prefs.db")
	PowerwashMarkerFile = filepath.Join(rootdir, "mnt/stateful_partition/factory_install_reset")
}
