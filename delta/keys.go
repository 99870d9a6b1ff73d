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

package delta

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/snapcore/update-engine/logger"
	"github.com/snapcore/update-engine/osutil"
	"github.com/snapcore/update-engine/payload"
	"github.com/snapcore/update-engine/release"
)

// publicKeyFromResponse decides whether the key delivered in the discovery
// response may be used, and materializes it to a file if so. The in-band
// key is only acceptable when this is not an official build and there is
// no key on the device; official builds exclusively trust the on-device
// key.
func (p *Performer) publicKeyFromResponse() (path string, ok bool, err error) {
	if release.IsOfficialBuild() {
		return "", false, nil
	}
	if osutil.FileExists(p.publicKeyPath) {
		return "", false, nil
	}
	if p.plan.PublicKeyRSA == "" {
		return "", false, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(p.plan.PublicKeyRSA)
	if err != nil {
		return "", false, fmt.Errorf("cannot decode public key from response: %v", err)
	}

	f, err := os.CreateTemp("", "update-engine-key-*.pem")
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	if _, err := f.Write(decoded); err != nil {
		os.Remove(f.Name())
		return "", false, err
	}
	logger.Debugf("using public key from response, saved to %s", f.Name())
	return f.Name(), true, nil
}

// resolvePublicKey loads the verification key: the on-device key when
// present, otherwise (developer builds only) the key from the response.
// A nil key with nil error means no key is available at all.
func (p *Performer) resolvePublicKey() (*rsa.PublicKey, error) {
	if osutil.FileExists(p.publicKeyPath) {
		return payload.LoadPublicKey(p.publicKeyPath)
	}
	path, ok, err := p.publicKeyFromResponse()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	defer os.Remove(path)
	return payload.LoadPublicKey(path)
}
