/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package arc

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/group"
	"golang.org/x/crypto/cryptobyte"

	"github.com/hyperledger/acdp-framework-go/pkg/crypto/primitive/sigma"
)

// ErrNonceOutOfRange is returned when a presentation nonce is outside [0, N)
// for the credential's presentation limit N.
var ErrNonceOutOfRange = errors.New("arc: presentation nonce out of range")

// ErrPresentationInvalid is returned when a presentation fails verification.
var ErrPresentationInvalid = errors.New("arc: presentation verification failed")

// Presentation is an unlinkable showing of a credential. U and UPrimeCommit
// are fresh randomizations, so two presentations of the same credential share
// no public value. T is the double-spend tag: deterministic in
// (m1, nonce, context), so reusing a nonce in the same context repeats T.
type Presentation struct {
	U            group.Element
	UPrimeCommit group.Element
	M1Commit     group.Element
	V            group.Element
	T            group.Element
	M1Tag        group.Element
	Nonce        uint64
	Proof        []byte
}

// ContextHash hashes the presentation scope (credential ID and context string)
// that tags and transcripts are bound to.
func ContextHash(credentialID, context []byte) []byte {
	h := sha256.New()
	h.Write(frameParts([][]byte{credentialID, context}))

	return h.Sum(nil)
}

// presentationTag derives the per-scope tag point.
func presentationTag(credentialID, context []byte) group.Element {
	return HashToGroup(SubTagPresentation, credentialID, context)
}

// Present derives a randomized token and zero-knowledge proof for the given
// presentation scope. The nonce must be chosen from [0, limit); the caller is
// responsible for not reusing a (nonce, context) pair.
func (c *Credential) Present(credentialID, context []byte, nonce, limit uint64) (*Presentation, error) {
	if nonce >= limit {
		return nil, ErrNonceOutOfRange
	}

	if c.U.IsIdentity() {
		return nil, ErrIdentityPoint
	}

	g, _ := Generators()

	a := NewRandomScalar()
	z := NewRandomScalar()
	r := NewRandomScalar()

	defer ZeroizeScalar(a, z, r)

	// Randomized MAC: U' = a·U, Q' = a·Q, then commit Q' under r.
	u := NewElement()
	u.Mul(c.U, a)

	uPrimeCommit := NewElement()
	uPrimeCommit.Mul(c.Q, a)

	rG := NewElement()
	rG.Mul(g, r)
	uPrimeCommit.Add(uPrimeCommit, rG)

	// m1Commit = m1·U' + z·G. The commitment randomness base must match the
	// base of X1 so that x1·m1Commit cancels against z·X1 when the verifier
	// derives V; see VerifyPresentation.
	m1Commit := NewElement()
	m1Commit.Mul(u, c.M1)

	zG := NewElement()
	zG.Mul(g, z)
	m1Commit.Add(m1Commit, zG)

	// V = z·X1 − r·G
	v := NewElement()
	v.Mul(c.X1, z)
	rG.Neg(rG)
	v.Add(v, rG)

	tag := presentationTag(credentialID, context)

	m1Tag := NewElement()
	m1Tag.Mul(tag, c.M1)

	nonceTag := NewElement()
	nonceTag.Mul(tag, ScalarFromUint64(nonce))

	t := NewElement()
	t.Add(m1Tag, nonceTag)

	rel := presentationRelation(u, m1Commit, v, t, m1Tag, tag, c.X1, nonce)

	proof, err := rel.Prove(proofSessionID(SubTagPresentation, ContextHash(credentialID, context)),
		[]group.Scalar{c.M1, z, r})
	if err != nil {
		return nil, fmt.Errorf("presentation proof: %w", err)
	}

	proofBytes, err := proof.Bytes()
	if err != nil {
		return nil, fmt.Errorf("presentation proof: %w", err)
	}

	return &Presentation{
		U:            u,
		UPrimeCommit: uPrimeCommit,
		M1Commit:     m1Commit,
		V:            v,
		T:            t,
		M1Tag:        m1Tag,
		Nonce:        nonce,
		Proof:        proofBytes,
	}, nil
}

// presentationRelation states, over witnesses (m1, z, r):
//
//	m1Commit = m1·U' + z·G
//	V        = z·X1 − r·G
//	T        = m1·tag + nonce·tag   (nonce public)
//	m1Tag    = m1·tag
//
// H carries no equation term but is absorbed into the transcript with the
// rest of the generator set.
func presentationRelation(u, m1Commit, v, t, m1Tag, tag, x1 group.Element, nonce uint64) *sigma.LinearRelation {
	g, h := Generators()

	rel := sigma.NewLinearRelation(curve)

	m1Var := rel.AllocateScalar()
	zVar := rel.AllocateScalar()
	rVar := rel.AllocateScalar()

	uVar := rel.AllocateElement()
	gVar := rel.AllocateElement()
	hVar := rel.AllocateElement()
	x1Var := rel.AllocateElement()
	tagVar := rel.AllocateElement()
	m1CommitVar := rel.AllocateElement()
	vVar := rel.AllocateElement()
	tVar := rel.AllocateElement()
	m1TagVar := rel.AllocateElement()

	rel.AddEquation(m1CommitVar, sigma.NewTerm(m1Var, uVar), sigma.NewTerm(zVar, gVar))
	rel.AddEquation(vVar, sigma.NewTerm(zVar, x1Var), sigma.NewNegTerm(rVar, gVar))
	rel.AddEquation(tVar, sigma.NewTerm(m1Var, tagVar), sigma.NewPublicTerm(ScalarFromUint64(nonce), tagVar))
	rel.AddEquation(m1TagVar, sigma.NewTerm(m1Var, tagVar))

	rel.SetElement(uVar, u)
	rel.SetElement(gVar, g)
	rel.SetElement(hVar, h)
	rel.SetElement(x1Var, x1)
	rel.SetElement(tagVar, tag)
	rel.SetElement(m1CommitVar, m1Commit)
	rel.SetElement(vVar, v)
	rel.SetElement(tVar, t)
	rel.SetElement(m1TagVar, m1Tag)

	return rel
}

// VerifyPresentation checks a presentation against the issuer key for the
// given scope. The verifier never trusts the carried V: it derives the value
// implied by the MAC equation,
//
//	V' = x1·m1Commit + (x0 + m2·x2)·U' − UPrimeCommit,
//
// compares it to the carried V in constant time, and runs the proof against
// the derived point. A forged MAC makes V' diverge and the proof fail.
func VerifyPresentation(sk *ServerPrivateKey, pres *Presentation, credentialID, context []byte, limit uint64) error {
	if pres.Nonce >= limit {
		return ErrNonceOutOfRange
	}

	if pres.U.IsIdentity() || pres.UPrimeCommit.IsIdentity() {
		return ErrIdentityPoint
	}

	tag := presentationTag(credentialID, context)

	derivedV := NewElement()
	derivedV.Mul(pres.M1Commit, sk.X1)

	exp := NewScalar()
	exp.Mul(AttributeM2(), sk.X2)
	exp.Add(exp, sk.X0)

	keyed := NewElement()
	keyed.Mul(pres.U, exp)
	ZeroizeScalar(exp)

	derivedV.Add(derivedV, keyed)

	negCommit := pres.UPrimeCommit.Copy()
	negCommit.Neg(negCommit)
	derivedV.Add(derivedV, negCommit)

	if !ElementsEqual(derivedV, pres.V) {
		return ErrPresentationInvalid
	}

	// T must decompose as m1Tag + nonce·tag for the public nonce.
	nonceTag := NewElement()
	nonceTag.Mul(tag, ScalarFromUint64(pres.Nonce))

	expectedT := NewElement()
	expectedT.Add(pres.M1Tag, nonceTag)

	if !ElementsEqual(expectedT, pres.T) {
		return ErrPresentationInvalid
	}

	proof, err := sigma.ParseProof(curve, pres.Proof)
	if err != nil {
		return ErrPresentationInvalid
	}

	x1Pub := NewElement()
	g, _ := Generators()
	x1Pub.Mul(g, sk.X1)

	rel := presentationRelation(pres.U, pres.M1Commit, derivedV, pres.T, pres.M1Tag, tag, x1Pub, pres.Nonce)

	if err := rel.Verify(proofSessionID(SubTagPresentation, ContextHash(credentialID, context)), proof); err != nil {
		return ErrPresentationInvalid
	}

	return nil
}

// Bytes serializes the presentation for transport: six compressed points, the
// nonce, and the proof.
func (p *Presentation) Bytes() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)

	for _, e := range []group.Element{p.U, p.UPrimeCommit, p.M1Commit, p.V, p.T, p.M1Tag} {
		enc, err := MarshalElement(e)
		if err != nil {
			return nil, fmt.Errorf("marshal presentation: %w", err)
		}

		b.AddBytes(enc)
	}

	var nonce [8]byte

	binary.BigEndian.PutUint64(nonce[:], p.Nonce)
	b.AddBytes(nonce[:])

	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(p.Proof)
	})

	return b.Bytes()
}

// ParsePresentation decodes a presentation produced by Bytes.
func ParsePresentation(data []byte) (*Presentation, error) {
	s := cryptobyte.String(data)

	points := make([]group.Element, 6)

	for i := range points {
		var enc []byte
		if !s.ReadBytes(&enc, CompressedPointSize) {
			return nil, ErrDecode
		}

		e, err := UnmarshalElement(enc)
		if err != nil {
			return nil, err
		}

		points[i] = e
	}

	var nonceBytes []byte
	if !s.ReadBytes(&nonceBytes, 8) {
		return nil, ErrDecode
	}

	nonce := binary.BigEndian.Uint64(nonceBytes)

	var proof cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&proof) || !s.Empty() {
		return nil, ErrDecode
	}

	return &Presentation{
		U:            points[0],
		UPrimeCommit: points[1],
		M1Commit:     points[2],
		V:            points[3],
		T:            points[4],
		M1Tag:        points[5],
		Nonce:        nonce,
		Proof:        append([]byte{}, proof...),
	}, nil
}
