/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package arc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cloudflare/circl/group"
)

// SuiteID is the ciphersuite identifier for ARC over P-256. Every transcript
// and hash-to-curve invocation is domain-separated with SuiteID followed by a
// sub-tag.
const SuiteID = "ACDP-ARC-P256-v1"

// Sub-tags appended to SuiteID for domain separation.
const (
	SubTagIssueRequest  = "issue-request"
	SubTagIssueResponse = "issue-response"
	SubTagPresentation  = "presentation"

	subTagGeneratorH  = "generator-H"
	subTagAttributeM2 = "attribute-m2"
)

// CompressedPointSize is the size of a compressed affine P-256 point encoding.
const CompressedPointSize = 33

// ScalarSize is the size of a P-256 scalar field element encoding.
const ScalarSize = 32

// ErrIdentityPoint is returned when an operation would produce or consume the
// group identity where it is disallowed.
var ErrIdentityPoint = errors.New("identity point")

// ErrDecode is returned on a malformed scalar or point encoding.
var ErrDecode = errors.New("malformed group element encoding")

var curve = group.P256

var (
	generatorsOnce sync.Once
	generatorG     group.Element
	generatorH     group.Element
)

// Generators returns the two fixed independent generators (G, H).
// G is the standard P-256 generator; H is derived by hashing the encoding of G
// into the curve under a dedicated domain tag, so no party knows log_G(H).
func Generators() (group.Element, group.Element) {
	generatorsOnce.Do(func() {
		generatorG = curve.Generator()

		gBytes, err := generatorG.MarshalBinaryCompress()
		if err != nil {
			panic(err)
		}

		generatorH = HashToGroup(subTagGeneratorH, gBytes)
	})

	return generatorG.Copy(), generatorH.Copy()
}

// NewRandomScalar samples a uniformly random non-zero scalar from the
// per-process CSPRNG.
func NewRandomScalar() group.Scalar {
	return curve.RandomNonZeroScalar(rand.Reader)
}

// NewScalar returns the zero scalar.
func NewScalar() group.Scalar {
	return curve.NewScalar()
}

// NewElement returns the identity element.
func NewElement() group.Element {
	return curve.NewElement()
}

// ScalarFromUint64 lifts a small integer (e.g. a presentation nonce) into the
// scalar field.
func ScalarFromUint64(v uint64) group.Scalar {
	s := curve.NewScalar()
	s.SetUint64(v)

	return s
}

// HashToGroup hashes the given message parts into a curve point using the
// suite's hash-to-curve with DST SuiteID:subTag. Each part is length-prefixed
// so distinct splits of the same bytes produce distinct points.
func HashToGroup(subTag string, parts ...[]byte) group.Element {
	return curve.HashToElement(frameParts(parts), []byte(SuiteID+":"+subTag))
}

// HashToScalar hashes the given message parts into a scalar with DST
// SuiteID:subTag.
func HashToScalar(subTag string, parts ...[]byte) group.Scalar {
	return curve.HashToScalar(frameParts(parts), []byte(SuiteID+":"+subTag))
}

func frameParts(parts [][]byte) []byte {
	var framed []byte

	for _, p := range parts {
		var l [8]byte

		binary.BigEndian.PutUint64(l[:], uint64(len(p)))
		framed = append(framed, l[:]...)
		framed = append(framed, p...)
	}

	return framed
}

// MarshalElement serializes a point in compressed affine form (33 bytes).
// The identity has no affine representation and is rejected.
func MarshalElement(e group.Element) ([]byte, error) {
	if e.IsIdentity() {
		return nil, ErrIdentityPoint
	}

	b, err := e.MarshalBinaryCompress()
	if err != nil {
		return nil, ErrDecode
	}

	return b, nil
}

// UnmarshalElement parses a compressed affine point, rejecting malformed
// encodings and the identity.
func UnmarshalElement(b []byte) (group.Element, error) {
	if len(b) != CompressedPointSize {
		return nil, ErrDecode
	}

	e := curve.NewElement()
	if err := e.UnmarshalBinary(b); err != nil {
		return nil, ErrDecode
	}

	if e.IsIdentity() {
		return nil, ErrIdentityPoint
	}

	return e, nil
}

// MarshalScalar serializes a scalar (32 bytes).
func MarshalScalar(s group.Scalar) ([]byte, error) {
	b, err := s.MarshalBinary()
	if err != nil {
		return nil, ErrDecode
	}

	return b, nil
}

// UnmarshalScalar parses a 32-byte scalar encoding.
func UnmarshalScalar(b []byte) (group.Scalar, error) {
	if len(b) != ScalarSize {
		return nil, ErrDecode
	}

	s := curve.NewScalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, ErrDecode
	}

	return s, nil
}

// ElementsEqual compares two points in constant time over their compressed
// encodings. Either operand being the identity compares unequal to everything,
// including itself.
func ElementsEqual(a, b group.Element) bool {
	aBytes, errA := MarshalElement(a)
	bBytes, errB := MarshalElement(b)

	if errA != nil || errB != nil {
		return false
	}

	return subtle.ConstantTimeCompare(aBytes, bBytes) == 1
}

// ScalarsEqual compares two scalars in constant time over their encodings.
func ScalarsEqual(a, b group.Scalar) bool {
	aBytes, errA := a.MarshalBinary()
	bBytes, errB := b.MarshalBinary()

	if errA != nil || errB != nil {
		return false
	}

	return subtle.ConstantTimeCompare(aBytes, bBytes) == 1
}

// ZeroizeScalar overwrites a secret scalar with zero. Callers holding m1, s,
// r, z, b or any x_* key component call this when the value leaves scope.
func ZeroizeScalar(scalars ...group.Scalar) {
	for _, s := range scalars {
		if s != nil {
			s.SetUint64(0)
		}
	}
}
