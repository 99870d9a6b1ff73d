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

// Package release reads the key=value release files that configure the
// update engine: the engine conf with the supported payload versions and
// the lsb-release file carrying channel and build type.
package release

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mvo5/goconfigparser"

	"github.com/snapcore/update-engine/dirs"
	"github.com/snapcore/update-engine/osutil"
)

const (
	confKeyMajorVersion = "PAYLOAD_MAJOR_VERSION"
	confKeyMinorVersion = "PAYLOAD_MINOR_VERSION"

	lsbKeyChannel   = "RELEASE_TRACK"
	lsbKeyBuildType = "RELEASE_BUILD_TYPE"
)

// channels, sorted from least stable to most stable.
var channels = []string{
	"canary-channel",
	"dev-channel",
	"beta-channel",
	"stable-channel",
}

// IsValidChannel returns whether the given name is a known release channel.
func IsValidChannel(channel string) bool {
	return channelIndex(channel) >= 0
}

func channelIndex(channel string) int {
	for i, c := range channels {
		if c == channel {
			return i
		}
	}
	return -1
}

// IsMoreStable returns whether channel a is more stable than channel b.
// Both must be valid channels.
func IsMoreStable(a, b string) bool {
	return channelIndex(a) > channelIndex(b)
}

func parseKeyValueFile(path string) (*goconfigparser.ConfigParser, error) {
	cfg := goconfigparser.New()
	cfg.AllowNoSectionHeader = true
	if err := cfg.ReadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Conf carries the payload versions this build of the engine supports, as
// shipped in the engine conf file.
type Conf struct {
	SupportedMajorVersion uint64
	SupportedMinorVersion uint32
}

// ReadConf reads the engine conf file.
func ReadConf() (*Conf, error) {
	cfg, err := parseKeyValueFile(dirs.UpdateEngineConfFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read update engine conf: %v", err)
	}

	major, err := cfg.Get("", confKeyMajorVersion)
	if err != nil {
		return nil, fmt.Errorf("cannot read update engine conf: %v", err)
	}
	majorVersion, err := strconv.ParseUint(major, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %v", confKeyMajorVersion, err)
	}

	minor, err := cfg.Get("", confKeyMinorVersion)
	if err != nil {
		return nil, fmt.Errorf("cannot read update engine conf: %v", err)
	}
	minorVersion, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %v", confKeyMinorVersion, err)
	}

	return &Conf{
		SupportedMajorVersion: majorVersion,
		SupportedMinorVersion: uint32(minorVersion),
	}, nil
}

// LSB contains the release information of the running system. The current
// channel is the one the installed image was built for; the target channel
// differs from it while a channel change is pending.
type LSB struct {
	CurrentChannel string
	TargetChannel  string
	BuildType      string
}

// ReadLSB returns the release information of the current system: the
// read-only lsb-release of the image, with the target channel taken from
// the stateful override when one has been recorded there.
func ReadLSB() (*LSB, error) {
	cfg, err := parseKeyValueFile(dirs.LSBReleaseFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read lsb-release: %v", err)
	}
	lsb := &LSB{}
	// both keys are optional, missing values stay empty
	lsb.CurrentChannel, _ = cfg.Get("", lsbKeyChannel)
	lsb.BuildType, _ = cfg.Get("", lsbKeyBuildType)

	// until a channel change is requested the target is the current one
	lsb.TargetChannel = lsb.CurrentChannel
	if stateful, err := parseKeyValueFile(dirs.StatefulLSBReleaseFile); err == nil {
		// values from the writable partition are only trusted when
		// they name a known channel
		if target, err := stateful.Get("", lsbKeyChannel); err == nil && IsValidChannel(target) {
			lsb.TargetChannel = target
		}
	}
	return lsb, nil
}

// ChannelChangePending returns whether a channel change has been requested
// but the matching image is not installed yet. Delta payloads are generated
// against one channel's image and do not apply across a pending change.
func (lsb *LSB) ChannelChangePending() bool {
	return lsb.TargetChannel != "" && lsb.TargetChannel != lsb.CurrentChannel
}

// ToMoreStableChannel returns whether the pending target channel is more
// stable than the current one; such a change rolls the device back to an
// older build and requires a powerwash.
func (lsb *LSB) ToMoreStableChannel() bool {
	if !IsValidChannel(lsb.CurrentChannel) || !IsValidChannel(lsb.TargetChannel) {
		return false
	}
	return IsMoreStable(lsb.TargetChannel, lsb.CurrentChannel)
}

// SetTargetChannel records the given channel as the release track in the
// stateful lsb-release override. The change is atomic.
func SetTargetChannel(channel string) error {
	if !IsValidChannel(channel) {
		return fmt.Errorf("invalid channel name %q", channel)
	}
	if err := os.MkdirAll(filepath.Dir(dirs.StatefulLSBReleaseFile), 0755); err != nil {
		return err
	}

	var lines []string
	replaced := false
	if content, err := os.ReadFile(dirs.StatefulLSBReleaseFile); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(content), "\n"), "\n") {
			if strings.HasPrefix(line, lsbKeyChannel+"=") {
				line = lsbKeyChannel + "=" + channel
				replaced = true
			}
			lines = append(lines, line)
		}
	}
	if !replaced {
		lines = append(lines, lsbKeyChannel+"="+channel)
	}

	content := strings.Join(lines, "\n") + "\n"
	return osutil.AtomicWriteFile(dirs.StatefulLSBReleaseFile, []byte(content), 0644)
}

// officialBuild caches whether this is an official build; resolved lazily
// from lsb-release so tests can relocate the root dir first.
var officialBuild *bool

// IsOfficialBuild reports whether the running system is an official build.
// Only official builds are restricted to the on-device public key; developer
// builds may accept a key delivered in the update response.
func IsOfficialBuild() bool {
	if officialBuild != nil {
		return *officialBuild
	}
	official := false
	if lsb, err := ReadLSB(); err == nil {
		official = strings.Contains(lsb.BuildType, "Official")
	}
	officialBuild = &official
	return official
}

// MockOfficialBuild forces the official build flag for testing purposes.
func MockOfficialBuild(official bool) (restore func()) {
	old := officialBuild
	officialBuild = &official
	return func() { officialBuild = old }
}
