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

package prefs_test

import (
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/snapcore/update-engine/prefs"
)

func TestPrefs(t *testing.T) { TestingT(t) }

type prefsSuite struct {
	store *prefs.Store
}

var _ = Suite(&prefsSuite{})

func (s *prefsSuite) SetUpTest(c *C) {
	store, err := prefs.Open(filepath.Join(c.MkDir(), "sub", "prefs.db"))
	c.Assert(err, IsNil)
	s.store = store
}

func (s *prefsSuite) TearDownTest(c *C) {
	c.Assert(s.store.Close(), IsNil)
}

func (s *prefsSuite) TestGetMissing(c *C) {
	_, err := s.store.Get("unknown", 1)
	c.Check(err, Equals, prefs.ErrNoCheckpoint)
}

func (s *prefsSuite) TestPutGetRoundTrip(c *C) {
	cp := &prefs.Checkpoint{
		MajorVersion:  2,
		MetadataSize:  1234,
		NextOperation: 7,
		Offset:        56789,
		HashState:     []byte{1, 2, 3},
	}
	c.Assert(s.store.Put("payload-1", cp), IsNil)

	got, err := s.store.Get("payload-1", 2)
	c.Assert(err, IsNil)
	c.Check(got, DeepEquals, cp)

	// a different major version is a different key
	_, err = s.store.Get("payload-1", 1)
	c.Check(err, Equals, prefs.ErrNoCheckpoint)
}

func (s *prefsSuite) TestOverwrite(c *C) {
	c.Assert(s.store.Put("p", &prefs.Checkpoint{MajorVersion: 1, NextOperation: 1}), IsNil)
	c.Assert(s.store.Put("p", &prefs.Checkpoint{MajorVersion: 1, NextOperation: 2}), IsNil)

	got, err := s.store.Get("p", 1)
	c.Assert(err, IsNil)
	c.Check(got.NextOperation, Equals, 2)
}

func (s *prefsSuite) TestDelete(c *C) {
	c.Assert(s.store.Put("p", &prefs.Checkpoint{MajorVersion: 1}), IsNil)
	c.Assert(s.store.Delete("p", 1), IsNil)
	_, err := s.store.Get("p", 1)
	c.Check(err, Equals, prefs.ErrNoCheckpoint)

	// deleting what is not there is fine
	c.Assert(s.store.Delete("p", 1), IsNil)
	c.Assert(s.store.Delete("other", 9), IsNil)
}
