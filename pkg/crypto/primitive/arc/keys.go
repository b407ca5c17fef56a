/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package arc

import (
	"fmt"
	"sync"

	"github.com/cloudflare/circl/group"
)

// ServerPrivateKey holds the issuer's CMZ14 MACGGM key (x0_blind, x0, x1, x2).
// x0_blind exists solely to hide x0 inside the Pedersen commitment X0; it is
// never used in the MAC equation itself.
type ServerPrivateKey struct {
	X0Blind group.Scalar
	X0      group.Scalar
	X1      group.Scalar
	X2      group.Scalar
}

// NewServerPrivateKey samples a fresh issuer key.
func NewServerPrivateKey() *ServerPrivateKey {
	return &ServerPrivateKey{
		X0Blind: NewRandomScalar(),
		X0:      NewRandomScalar(),
		X1:      NewRandomScalar(),
		X2:      NewRandomScalar(),
	}
}

// PublicKey derives the published commitments:
// X0 = x0_blind·G + x0·H, Xi = xi·G for i ≥ 1.
func (sk *ServerPrivateKey) PublicKey() *ServerPublicKey {
	g, h := Generators()

	x0 := NewElement()
	x0.Mul(g, sk.X0Blind)

	x0H := NewElement()
	x0H.Mul(h, sk.X0)
	x0.Add(x0, x0H)

	x1 := NewElement()
	x1.Mul(g, sk.X1)

	x2 := NewElement()
	x2.Mul(g, sk.X2)

	return &ServerPublicKey{X0: x0, X1: x1, X2: x2}
}

// Bytes serializes the four scalars (128 bytes).
func (sk *ServerPrivateKey) Bytes() ([]byte, error) {
	var out []byte

	for _, s := range []group.Scalar{sk.X0Blind, sk.X0, sk.X1, sk.X2} {
		enc, err := MarshalScalar(s)
		if err != nil {
			return nil, fmt.Errorf("marshal server private key: %w", err)
		}

		out = append(out, enc...)
	}

	return out, nil
}

// ParseServerPrivateKey parses a 128-byte key encoding.
func ParseServerPrivateKey(data []byte) (*ServerPrivateKey, error) {
	if len(data) != 4*ScalarSize {
		return nil, ErrDecode
	}

	scalars := make([]group.Scalar, 4)

	for i := range scalars {
		s, err := UnmarshalScalar(data[i*ScalarSize : (i+1)*ScalarSize])
		if err != nil {
			return nil, fmt.Errorf("parse server private key: %w", err)
		}

		scalars[i] = s
	}

	return &ServerPrivateKey{X0Blind: scalars[0], X0: scalars[1], X1: scalars[2], X2: scalars[3]}, nil
}

// Zeroize overwrites the key scalars. The key is unusable afterwards.
func (sk *ServerPrivateKey) Zeroize() {
	ZeroizeScalar(sk.X0Blind, sk.X0, sk.X1, sk.X2)
}

// ServerPublicKey is the issuer's published key (X0, X1, X2).
type ServerPublicKey struct {
	X0 group.Element
	X1 group.Element
	X2 group.Element
}

// Bytes serializes the three compressed points (99 bytes).
func (pk *ServerPublicKey) Bytes() ([]byte, error) {
	var out []byte

	for _, e := range []group.Element{pk.X0, pk.X1, pk.X2} {
		enc, err := MarshalElement(e)
		if err != nil {
			return nil, fmt.Errorf("marshal server public key: %w", err)
		}

		out = append(out, enc...)
	}

	return out, nil
}

// ParseServerPublicKey parses a 99-byte public key encoding.
func ParseServerPublicKey(data []byte) (*ServerPublicKey, error) {
	if len(data) != 3*CompressedPointSize {
		return nil, ErrDecode
	}

	points := make([]group.Element, 3)

	for i := range points {
		e, err := UnmarshalElement(data[i*CompressedPointSize : (i+1)*CompressedPointSize])
		if err != nil {
			return nil, fmt.Errorf("parse server public key: %w", err)
		}

		points[i] = e
	}

	return &ServerPublicKey{X0: points[0], X1: points[1], X2: points[2]}, nil
}

var (
	m2Once   sync.Once
	m2Scalar group.Scalar
)

// AttributeM2 returns the fixed domain scalar bound into every credential as
// the second attribute. It is derived from the suite identifier so all
// deployments of the suite agree on it.
func AttributeM2() group.Scalar {
	m2Once.Do(func() {
		m2Scalar = HashToScalar(subTagAttributeM2, []byte(SuiteID))
	})

	return m2Scalar.Copy()
}
