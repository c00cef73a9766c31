// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package salt holds the SD card salt primitives: the fixed sizes of the
// salt material, the authentication tag that binds a salt to its device and
// the generator for fresh salt material.
package salt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
)

const (
	// Len is the length of the salt stored on the card.
	Len = 32

	// TagLen is the length of the truncated HMAC-SHA256 tag.
	TagLen = 16

	// AuthKeyLen is the length of the key that authenticates the salt.
	AuthKeyLen = 16

	// RecordLen is the size of a salt record on the card: salt || tag.
	RecordLen = Len + TagLen
)

// ComputeTag returns HMAC-SHA256(authKey, salt) truncated to TagLen bytes.
func ComputeTag(salt, authKey []byte) []byte {
	mac := hmac.New(sha256.New, authKey)
	mac.Write(salt) //nolint:errcheck,gosec // hash writes never fail
	return mac.Sum(nil)[:TagLen]
}

// VerifyTag recomputes the tag of salt and compares it with candidate in
// constant time.
func VerifyTag(salt, authKey, candidate []byte) bool {
	if len(candidate) != TagLen {
		return false
	}
	return subtle.ConstantTimeCompare(ComputeTag(salt, authKey), candidate) == 1
}

// Material is a freshly generated salt together with its auth key and tag.
type Material struct {
	Salt    []byte
	AuthKey []byte
	Tag     []byte
}

// Generate reads a new salt and auth key from r and computes the tag.
// A nil reader uses crypto/rand.
func Generate(r io.Reader) (*Material, error) {
	if r == nil {
		r = rand.Reader
	}

	s := make([]byte, Len)
	if _, err := io.ReadFull(r, s); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key := make([]byte, AuthKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("generating auth key: %w", err)
	}

	return &Material{
		Salt:    s,
		AuthKey: key,
		Tag:     ComputeTag(s, key),
	}, nil
}

// Wipe zeroes the salt and auth key held by the material.
func (m *Material) Wipe() {
	if m == nil {
		return
	}
	Zero(m.Salt)
	Zero(m.AuthKey)
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
