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

// Package postinst runs the post-install step of an applied update: it
// mounts the freshly written partition read-only and executes its
// /postinst script with the install device as argument. It also drops the
// powerwash marker when the install plan requests a factory reset.
package postinst

import (
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/snapcore/update-engine/dirs"
	"github.com/snapcore/update-engine/logger"
	"github.com/snapcore/update-engine/osutil"
	"github.com/snapcore/update-engine/payload"
)

// postinstallScript is the well-known path of the post install command
// within the new image.
const postinstallScript = "/postinst"

// powerwashCommand is the marker content requesting a factory reset.
const powerwashCommand = "safe fast keepimg\n"

var (
	mountFilesystem = func(device, mountpoint string) error {
		return unix.Mount(device, mountpoint, "ext4", unix.MS_RDONLY, "")
	}
	unmountFilesystem = func(mountpoint string) error {
		return unix.Unmount(mountpoint, 0)
	}
	runScript = func(script, installDevice string) error {
		cmd := exec.Command(script, installDevice)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
)

// MockMountCalls replaces the mount, unmount and script helpers for tests.
func MockMountCalls(mount, unmount func(string) error, run func(script, dev string) error) (restore func()) {
	oldMount, oldUnmount, oldRun := mountFilesystem, unmountFilesystem, runScript
	mountFilesystem = func(device, mountpoint string) error { return mount(device) }
	unmountFilesystem = unmount
	runScript = run
	return func() {
		mountFilesystem, unmountFilesystem, runScript = oldMount, oldUnmount, oldRun
	}
}

// CreatePowerwashMarker requests a factory reset on the next boot.
func CreatePowerwashMarker() error {
	return osutil.AtomicWriteFile(dirs.PowerwashMarkerFile, []byte(powerwashCommand), 0644)
}

// RemovePowerwashMarker withdraws a factory reset request.
func RemovePowerwashMarker() error {
	err := os.Remove(dirs.PowerwashMarkerFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Run mounts the installed partition and executes its post install script.
// The returned error code distinguishes powerwash trouble from script
// failure.
func Run(installDevice string, powerwashRequired bool) payload.ErrorCode {
	mountpoint, err := os.MkdirTemp("", "au-postint-mount.")
	if err != nil {
		logger.Noticef("cannot create postinstall mountpoint: %v", err)
		return payload.ErrorCodeError
	}
	defer os.Remove(mountpoint)

	if err := mountFilesystem(installDevice, mountpoint); err != nil {
		logger.Noticef("cannot mount %s for postinstall: %v", installDevice, err)
		return payload.ErrorCodeError
	}
	defer func() {
		if err := unmountFilesystem(mountpoint); err != nil {
			logger.Noticef("cannot unmount %s: %v", mountpoint, err)
		}
	}()

	powerwashMarkerCreated := false
	if powerwashRequired {
		if err := CreatePowerwashMarker(); err != nil {
			logger.Noticef("cannot create powerwash marker: %v", err)
			return payload.ErrorCodePostinstallPowerwashError
		}
		powerwashMarkerCreated = true
	}

	logger.Debugf("running %s with install device %s", postinstallScript, installDevice)
	if err := runScript(mountpoint+postinstallScript, installDevice); err != nil {
		logger.Noticef("postinstall script failed: %v", err)
		// an aborted postinstall must not leave a powerwash behind
		if powerwashMarkerCreated {
			if err := RemovePowerwashMarker(); err != nil {
				logger.Noticef("cannot remove powerwash marker: %v", err)
			}
		}
		return fromScriptError(err)
	}

	return payload.ErrorCodeSuccess
}

// Postinstall scripts signal well-known conditions through dedicated exit
// codes: 3 means the firmware had to be updated but the device booted from
// firmware slot B, 4 means the read-only firmware section is not
// updatable.
func fromScriptError(err error) payload.ErrorCode {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 3:
			return payload.ErrorCodePostinstallBootedFromFirmwareB
		case 4:
			return payload.ErrorCodePostinstallFirmwareRONotUpdatable
		}
	}
	return payload.ErrorCodeError
}
