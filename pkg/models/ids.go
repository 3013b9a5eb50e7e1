/*
 * Copyright 2026 GPUFleet Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package models holds the shared data types of the fleet control plane.
package models

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidIDLength = errors.New("invalid id length: expected 16 bytes")

// ClientID is the opaque 16-byte identifier a device chooses at login.
// It is immutable for the lifetime of the device and doubles as the
// foreign key into persistent storage.
type ClientID [16]byte

// ParseClientID decodes a hex string (with optional 0x prefix) into a ClientID.
func ParseClientID(s string) (ClientID, error) {
	var id ClientID

	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, err
	}

	if len(raw) != len(id) {
		return id, ErrInvalidIDLength
	}

	copy(id[:], raw)

	return id, nil
}

func (c ClientID) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether the id is the all-zero placeholder used before login.
func (c ClientID) IsZero() bool {
	return c == ClientID{}
}

// ProxyConnID correlates one proxy-pairing attempt: minted by the router,
// echoed back by the device on its second connection.
type ProxyConnID [16]byte

// NewProxyConnID mints a fresh random pairing id.
func NewProxyConnID() ProxyConnID {
	return ProxyConnID(uuid.New())
}

func (p ProxyConnID) String() string {
	return hex.EncodeToString(p[:])
}
