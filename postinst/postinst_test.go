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

package postinst_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/snapcore/update-engine/dirs"
	"github.com/snapcore/update-engine/logger"
	"github.com/snapcore/update-engine/payload"
	"github.com/snapcore/update-engine/postinst"
	"github.com/snapcore/update-engine/testutil"
)

func TestPostinst(t *testing.T) { TestingT(t) }

type postinstSuite struct {
	testutil.BaseTest

	mounted   []string
	unmounted int
	ran       []string
	scriptErr error
}

var _ = Suite(&postinstSuite{})

func (s *postinstSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	root := c.MkDir()
	dirs.SetRootDir(root)
	s.AddCleanup(func() { dirs.SetRootDir("/") })
	c.Assert(os.MkdirAll(filepath.Dir(dirs.PowerwashMarkerFile), 0755), IsNil)

	_, restore := logger.MockLogger()
	s.AddCleanup(restore)

	s.mounted = nil
	s.unmounted = 0
	s.ran = nil
	s.scriptErr = nil
	restore = postinst.MockMountCalls(
		func(device string) error {
			s.mounted = append(s.mounted, device)
			return nil
		},
		func(mountpoint string) error {
			s.unmounted++
			return nil
		},
		func(script, dev string) error {
			s.ran = append(s.ran, script+" "+dev)
			return s.scriptErr
		},
	)
	s.AddCleanup(restore)
}

func (s *postinstSuite) TestRunSuccess(c *C) {
	code := postinst.Run("/dev/sda3", false)
	c.Check(code, Equals, payload.ErrorCodeSuccess)
	c.Check(s.mounted, DeepEquals, []string{"/dev/sda3"})
	c.Check(s.unmounted, Equals, 1)
	c.Assert(s.ran, HasLen, 1)
	c.Check(strings.HasSuffix(s.ran[0], "/postinst /dev/sda3"), Equals, true)
	c.Check(dirs.PowerwashMarkerFile, testutil.FileAbsent)
}

func (s *postinstSuite) TestRunWithPowerwash(c *C) {
	code := postinst.Run("/dev/sda3", true)
	c.Check(code, Equals, payload.ErrorCodeSuccess)
	c.Check(dirs.PowerwashMarkerFile, testutil.FileEquals, "safe fast keepimg\n")
}

func (s *postinstSuite) TestRunScriptFailureRemovesPowerwashMarker(c *C) {
	s.scriptErr = errors.New("boom")
	code := postinst.Run("/dev/sda3", true)
	c.Check(code, Equals, payload.ErrorCodeError)
	c.Check(s.unmounted, Equals, 1)
	c.Check(dirs.PowerwashMarkerFile, testutil.FileAbsent)
}

func (s *postinstSuite) TestPowerwashMarkerLifecycle(c *C) {
	c.Assert(postinst.CreatePowerwashMarker(), IsNil)
	c.Check(dirs.PowerwashMarkerFile, testutil.FilePresent)
	c.Assert(postinst.RemovePowerwashMarker(), IsNil)
	c.Check(dirs.PowerwashMarkerFile, testutil.FileAbsent)
	// removing twice is fine
	c.Assert(postinst.RemovePowerwashMarker(), IsNil)
}
