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
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"

	"golang.org/x/xerrors"
)

// ErrBadPublicKey is returned when the public key file cannot be parsed as
// a PEM encoded RSA public key.
var ErrBadPublicKey = errors.New("cannot parse public key")

// LoadPublicKey reads a PEM encoded RSA public key from the given path.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(data)
}

// ParsePublicKey parses a PEM encoded RSA public key. Both PKIX
// ("BEGIN PUBLIC KEY") and PKCS#1 ("BEGIN RSA PUBLIC KEY") encodings are
// accepted.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrBadPublicKey
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Errorf("cannot parse public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, ErrBadPublicKey
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Errorf("cannot parse public key: %w", err)
		}
		return key, nil
	}
	return nil, ErrBadPublicKey
}

// VerifySignedHash checks that the given raw RSA signature signs the given
// SHA-256 digest with the given key.
func VerifySignedHash(key *rsa.PublicKey, digest []byte, signature []byte) error {
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, signature)
}

// VerifySignatureBlob checks a serialized Signatures blob against the given
// SHA-256 digest. The blob may carry several signature entries (one per
// signing key generation); verification succeeds if any entry verifies.
func VerifySignatureBlob(key *rsa.PublicKey, digest []byte, blob []byte) error {
	sigs, err := ParseSignatures(blob)
	if err != nil {
		return err
	}
	if len(sigs) == 0 {
		return errors.New("signature blob contains no signatures")
	}
	var lastErr error
	for _, sig := range sigs {
		if lastErr = VerifySignedHash(key, digest, sig.Data); lastErr == nil {
			return nil
		}
	}
	return xerrors.Errorf("cannot verify signature blob: %w", lastErr)
}
