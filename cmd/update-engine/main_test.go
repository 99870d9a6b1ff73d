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

package main

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/snapcore/update-engine/delta"
	"github.com/snapcore/update-engine/dirs"
	"github.com/snapcore/update-engine/payload"
	"github.com/snapcore/update-engine/payload/payloadtest"
)

func TestUpdateEngine(t *testing.T) { TestingT(t) }

type mainSuite struct{}

var _ = Suite(&mainSuite{})

func (s *mainSuite) TestBuildPlan(c *C) {
	opts := &options{
		Payload:             "payload.bin",
		Install:             "/dev/sda3",
		Kernel:              "/dev/sda2",
		Source:              "/dev/sda5",
		KernelSource:        "/dev/sda4",
		FullUpdate:          false,
		MetadataSize:        42,
		MetadataSignature:   "c2ln",
		HashChecksMandatory: true,
		ResponseKey:         "a2V5",
		PayloadID:           "pid",
		Powerwash:           true,
		TargetSlot:          "B",
	}
	plan := buildPlan(opts)
	c.Check(plan, DeepEquals, &delta.InstallPlan{
		IsFullUpdate:        false,
		SourcePath:          "/dev/sda5",
		KernelSourcePath:    "/dev/sda4",
		InstallPath:         "/dev/sda3",
		KernelInstallPath:   "/dev/sda2",
		MetadataSize:        42,
		MetadataSignature:   "c2ln",
		HashChecksMandatory: true,
		PublicKeyRSA:        "a2V5",
		PowerwashRequired:   true,
		TargetSlot:          "B",
		PayloadID:           "pid",
	})
}

func (s *mainSuite) mockLSB(c *C, current, target string) {
	dirs.SetRootDir(c.MkDir())
	c.Assert(os.MkdirAll(filepath.Dir(dirs.LSBReleaseFile), 0755), IsNil)
	c.Assert(os.WriteFile(dirs.LSBReleaseFile, []byte("RELEASE_TRACK="+current+"\n"), 0644), IsNil)
	if target != "" {
		c.Assert(os.MkdirAll(filepath.Dir(dirs.StatefulLSBReleaseFile), 0755), IsNil)
		c.Assert(os.WriteFile(dirs.StatefulLSBReleaseFile, []byte("RELEASE_TRACK="+target+"\n"), 0644), IsNil)
	}
}

func (s *mainSuite) TestChannelPolicyNoChangePending(c *C) {
	s.mockLSB(c, "stable-channel", "")
	defer dirs.SetRootDir("/")

	plan := &delta.InstallPlan{IsFullUpdate: false}
	c.Assert(applyChannelPolicy(plan), IsNil)
	c.Check(plan.PowerwashRequired, Equals, false)
}

func (s *mainSuite) TestChannelPolicyRejectsDeltaAcrossChange(c *C) {
	s.mockLSB(c, "stable-channel", "beta-channel")
	defer dirs.SetRootDir("/")

	plan := &delta.InstallPlan{IsFullUpdate: false}
	c.Check(applyChannelPolicy(plan), ErrorMatches,
		`cannot apply a delta payload while a channel change to "beta-channel" is pending`)
}

func (s *mainSuite) TestChannelPolicyPowerwashOnStabilize(c *C) {
	s.mockLSB(c, "dev-channel", "stable-channel")
	defer dirs.SetRootDir("/")

	plan := &delta.InstallPlan{IsFullUpdate: true}
	c.Assert(applyChannelPolicy(plan), IsNil)
	c.Check(plan.PowerwashRequired, Equals, true)
}

func (s *mainSuite) TestChannelPolicyNoPowerwashTowardsLessStable(c *C) {
	s.mockLSB(c, "stable-channel", "dev-channel")
	defer dirs.SetRootDir("/")

	plan := &delta.InstallPlan{IsFullUpdate: true}
	c.Assert(applyChannelPolicy(plan), IsNil)
	c.Check(plan.PowerwashRequired, Equals, false)
}

func (s *mainSuite) TestFeedAppliesWholePayload(c *C) {
	tmpdir := c.MkDir()
	expected := make([]byte, payload.BlockSize)
	rand.Read(expected)

	pl := payloadtest.Build(payloadtest.Params{
		MajorVersion: payload.MajorVersionChromeOS,
		MinorVersion: payload.FullPayloadMinorVersion,
		Blob:         expected,
		NewRootfs:    expected,
		Operations: []payload.InstallOperation{{
			Type:       payload.OperationReplace,
			DataLength: uint64(len(expected)),
			DstExtents: []payload.Extent{{StartBlock: 0, NumBlocks: 1}},
		}},
	})
	payloadPath := filepath.Join(tmpdir, "payload.bin")
	c.Assert(os.WriteFile(payloadPath, pl.Bytes, 0644), IsNil)
	target := filepath.Join(tmpdir, "target")
	c.Assert(os.WriteFile(target, nil, 0644), IsNil)

	p := delta.NewPerformer(&delta.InstallPlan{IsFullUpdate: true, InstallPath: target})
	p.SetPublicKeyPath(filepath.Join(tmpdir, "no-key"))
	c.Assert(p.Open(target), IsNil)

	f, err := os.Open(payloadPath)
	c.Assert(err, IsNil)
	defer f.Close()

	c.Assert(feed(p, f, 0), IsNil)
	c.Assert(p.Close(), IsNil)

	got, err := os.ReadFile(target)
	c.Assert(err, IsNil)
	c.Check(got, DeepEquals, expected)
}
