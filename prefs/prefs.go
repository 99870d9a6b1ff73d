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

// Package prefs persists resumable update state between runs of the engine.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var checkpointBucketKey = []byte("Checkpoints")

// ErrNoCheckpoint is returned when no checkpoint is stored for a payload.
var ErrNoCheckpoint = errors.New("no checkpoint stored")

// Checkpoint is the state needed to resume an interrupted payload
// application: the engine seeks the download to Offset and re-enters the
// executor loop at NextOperation with the running hash restored.
type Checkpoint struct {
	// MajorVersion, MetadataSize and MetadataHash tie the checkpoint to
	// one payload; a resume against a different one discards it.
	MajorVersion uint64 `json:"major-version"`
	MetadataSize uint64 `json:"metadata-size"`
	MetadataHash []byte `json:"metadata-hash"`

	NextOperation int    `json:"next-operation"`
	Offset        uint64 `json:"offset"`

	// HashState is the marshalled running SHA-256 state at Offset.
	HashState []byte `json:"hash-state"`
}

// Store is a bolt-backed checkpoint store keyed by payload ID and major
// version.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the checkpoint store at the given
// path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func checkpointKey(payloadID string, majorVersion uint64) []byte {
	return []byte(fmt.Sprintf("%s/%d", payloadID, majorVersion))
}

// Put stores the checkpoint for the given payload.
func (s *Store) Put(payloadID string, cp *Checkpoint) error {
	buf, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(checkpointBucketKey)
		if err != nil {
			return err
		}
		return b.Put(checkpointKey(payloadID, cp.MajorVersion), buf)
	})
}

// Get returns the checkpoint stored for the given payload, or
// ErrNoCheckpoint.
func (s *Store) Get(payloadID string, majorVersion uint64) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucketKey)
		if b == nil {
			return ErrNoCheckpoint
		}
		buf := b.Get(checkpointKey(payloadID, majorVersion))
		if buf == nil {
			return ErrNoCheckpoint
		}
		cp = &Checkpoint{}
		return json.Unmarshal(buf, cp)
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Delete drops the checkpoint stored for the given payload, if any.
func (s *Store) Delete(payloadID string, majorVersion uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucketKey)
		if b == nil {
			return nil
		}
		return b.Delete(checkpointKey(payloadID, majorVersion))
	})
}
