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

package osutil_test

import (
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/snapcore/update-engine/osutil"
	"github.com/snapcore/update-engine/testutil"
)

func TestOsutil(t *testing.T) { TestingT(t) }

type osutilSuite struct {
	tmpdir string
}

var _ = Suite(&osutilSuite{})

func (s *osutilSuite) SetUpTest(c *C) {
	s.tmpdir = c.MkDir()
}

func (s *osutilSuite) TestFileExists(c *C) {
	path := filepath.Join(s.tmpdir, "foo")
	c.Check(osutil.FileExists(path), Equals, false)
	c.Assert(os.WriteFile(path, nil, 0644), IsNil)
	c.Check(osutil.FileExists(path), Equals, true)
	c.Check(osutil.FileExists(s.tmpdir), Equals, false)
	c.Check(osutil.IsDirectory(s.tmpdir), Equals, true)
}

func (s *osutilSuite) TestGetenvBool(c *C) {
	key := "UPDATE_ENGINE_TEST_GETENV_BOOL"
	defer os.Unsetenv(key)

	c.Check(osutil.GetenvBool(key), Equals, false)
	for val, expected := range map[string]bool{
		"1": true, "true": true, "TRUE": true,
		"0": false, "false": false, "banana": false, "": false,
	} {
		os.Setenv(key, val)
		c.Check(osutil.GetenvBool(key), Equals, expected, Commentf("%q", val))
	}
}

func (s *osutilSuite) TestAtomicWriteFile(c *C) {
	path := filepath.Join(s.tmpdir, "out")
	c.Assert(osutil.AtomicWriteFile(path, []byte("canary"), 0644), IsNil)
	c.Check(path, testutil.FileEquals, "canary")

	// no temporary leftovers
	entries, err := os.ReadDir(s.tmpdir)
	c.Assert(err, IsNil)
	c.Check(entries, HasLen, 1)
}

func (s *osutilSuite) TestAtomicWriteFileOverwrites(c *C) {
	path := filepath.Join(s.tmpdir, "out")
	c.Assert(os.WriteFile(path, []byte("old"), 0644), IsNil)
	c.Assert(osutil.AtomicWriteFile(path, []byte("new"), 0644), IsNil)
	c.Check(path, testutil.FileEquals, "new")
}

func (s *osutilSuite) TestAtomicFileCancel(c *C) {
	path := filepath.Join(s.tmpdir, "out")
	aw, err := osutil.NewAtomicFile(path, 0644)
	c.Assert(err, IsNil)
	_, err = aw.Write([]byte("partial"))
	c.Assert(err, IsNil)
	c.Assert(aw.Cancel(), IsNil)

	c.Check(path, testutil.FileAbsent)
	entries, err := os.ReadDir(s.tmpdir)
	c.Assert(err, IsNil)
	c.Check(entries, HasLen, 0)
}
