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

package credential

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jeremyhahn/go-u2fzero/pkg/atecc"
)

// SignatureDER encodes a 64 byte R‖S signature as an ASN.1
// ECDSA-Sig-Value, the form U2F responses carry.
func SignatureDER(sig []byte) ([]byte, error) {
	if len(sig) != atecc.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrInput, len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

// ParseSignatureDER decodes an ASN.1 ECDSA-Sig-Value into R‖S.
func ParseSignatureDER(der []byte) ([]byte, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, fmt.Errorf("%w: malformed signature", ErrInput)
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > 256 || s.BitLen() > 256 {
		return nil, fmt.Errorf("%w: signature out of range", ErrInput)
	}
	out := make([]byte, atecc.SignatureSize)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}

// PublicKey validates a 64 byte X‖Y point and returns it as a P-256 key.
func PublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	if len(pub) != atecc.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInput, len(pub))
	}
	if _, err := ecdh.P256().NewPublicKey(MarshalPublicKey(pub)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(pub[:32]),
		Y:     new(big.Int).SetBytes(pub[32:]),
	}, nil
}

// MarshalPublicKey returns the 65 byte uncompressed SEC1 encoding of X‖Y.
func MarshalPublicKey(pub []byte) []byte {
	out := make([]byte, 0, 1+len(pub))
	out = append(out, 0x04)
	return append(out, pub...)
}
