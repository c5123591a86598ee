// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-u2fzero.
//
// go-u2fzero is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package credential derives, wraps and uses per-application credentials.
//
// A credential is never stored. Its private key is recomputed on demand as
// HMAC(device key, appID ‖ seed), masked with the read mask and wrapped
// into the temporary slot. The 36 byte handle returned to the protocol
// layer is seed ‖ tag, where the tag binds the seed to the application
// and the device constant.
package credential

import (
	"errors"
)

// Sizes of the handle wire format.
const (
	SeedSize   = 4
	TagSize    = 32
	HandleSize = SeedSize + TagSize
	AppIDSize  = 32
)

var (
	// ErrRNG is returned when the device RNG fails during NewKeypair.
	ErrRNG = errors.New("credential: rng failure")

	// ErrWrap is returned when deriving or wrapping the private key fails.
	ErrWrap = errors.New("credential: key wrap failure")

	// ErrGenKey is returned when the public key cannot be computed.
	ErrGenKey = errors.New("credential: public key generation failure")

	// ErrSign is returned when the device refuses to sign.
	ErrSign = errors.New("credential: sign failure")

	// ErrTag is returned when the binding tag cannot be computed.
	ErrTag = errors.New("credential: tag failure")

	// ErrInput is returned for malformed handles, application ids and
	// digests.
	ErrInput = errors.New("credential: invalid input")
)

// Stage codes reported to the protocol layer in place of messages.
const (
	CodeOK     int8 = 0
	CodeRNG    int8 = -1
	CodeWrap   int8 = -2
	CodeGenKey int8 = -3
	CodeOther  int8 = -4
)

// Code maps err to its stage code. Sign failures report CodeRNG's value
// of -1, which is what the signature path has always returned.
func Code(err error) int8 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrRNG), errors.Is(err, ErrSign):
		return CodeRNG
	case errors.Is(err, ErrWrap):
		return CodeWrap
	case errors.Is(err, ErrGenKey):
		return CodeGenKey
	default:
		return CodeOther
	}
}

// Handle is an opaque credential reference: seed ‖ tag.
type Handle [HandleSize]byte

// ParseHandle copies b into a Handle.
func ParseHandle(b []byte) (Handle, error) {
	var h Handle
	if len(b) != HandleSize {
		return h, errors.Join(ErrInput, errors.New("credential: handle must be 36 bytes"))
	}
	copy(h[:], b)
	return h, nil
}

// Seed returns the 4 byte derivation seed.
func (h Handle) Seed() []byte {
	return h[:SeedSize]
}

// Tag returns the 32 byte binding tag.
func (h Handle) Tag() []byte {
	return h[SeedSize:]
}

// Target selects the signing key.
type Target int

const (
	// TargetCredential signs with the key last loaded into the temporary slot.
	TargetCredential Target = iota

	// TargetAttestation signs with the batch attestation key.
	TargetAttestation
)
