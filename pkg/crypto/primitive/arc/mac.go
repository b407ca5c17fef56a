/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package arc implements Anonymous Rate-Limited Credentials over P-256:
// CMZ14 MACGGM algebraic MACs with blinded issuance, and unlinkable
// zero-knowledge presentations with per-context double-spend tags.
package arc

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/group"

	"github.com/hyperledger/acdp-framework-go/pkg/crypto/primitive/sigma"
)

// ErrRequestProofInvalid is returned when a credential request's
// well-formedness proof does not verify.
var ErrRequestProofInvalid = errors.New("arc: credential request proof invalid")

// ErrIssuerProofInvalid is returned when the issuer's proof of correct
// issuance does not verify.
var ErrIssuerProofInvalid = errors.New("arc: issuer proof invalid")

// ErrMACMismatch is returned when a MAC does not satisfy the key equation.
var ErrMACMismatch = errors.New("arc: MAC verification failed")

// ClientSecrets are the client-side scalars of a blinded issuance: the
// per-credential secret attribute m1 and the Pedersen blinding s. m1 never
// leaves the client.
type ClientSecrets struct {
	M1 group.Scalar
	S  group.Scalar
}

// NewClientSecrets samples fresh client secrets.
func NewClientSecrets() *ClientSecrets {
	return &ClientSecrets{M1: NewRandomScalar(), S: NewRandomScalar()}
}

// Zeroize overwrites the secrets.
func (cs *ClientSecrets) Zeroize() {
	ZeroizeScalar(cs.M1, cs.S)
}

// CredentialRequest is the client's blinded issuance request:
// commit = s·G + m1·X1, plus a proof that the commitment is well-formed with
// respect to (G, X1) for some (s, m1).
type CredentialRequest struct {
	Commit group.Element
	Proof  []byte
}

// NewCredentialRequest builds a blinded issuance request from fresh client
// secrets and the issuer's public key.
func NewCredentialRequest(secrets *ClientSecrets, pub *ServerPublicKey) (*CredentialRequest, error) {
	g, _ := Generators()

	commit := NewElement()
	commit.Mul(g, secrets.S)

	m1X1 := NewElement()
	m1X1.Mul(pub.X1, secrets.M1)
	commit.Add(commit, m1X1)

	rel := sigma.NewLinearRelation(curve)

	sVar := rel.AllocateScalar()
	m1Var := rel.AllocateScalar()

	gVar := rel.AllocateElement()
	x1Var := rel.AllocateElement()
	commitVar := rel.AllocateElement()

	rel.AddEquation(commitVar, sigma.NewTerm(sVar, gVar), sigma.NewTerm(m1Var, x1Var))

	rel.SetElement(gVar, g)
	rel.SetElement(x1Var, pub.X1)
	rel.SetElement(commitVar, commit)

	proof, err := rel.Prove(proofSessionID(SubTagIssueRequest, nil), []group.Scalar{secrets.S, secrets.M1})
	if err != nil {
		return nil, fmt.Errorf("request proof: %w", err)
	}

	proofBytes, err := proof.Bytes()
	if err != nil {
		return nil, fmt.Errorf("request proof: %w", err)
	}

	return &CredentialRequest{Commit: commit, Proof: proofBytes}, nil
}

// requestRelation rebuilds the request statement for verification.
func requestRelation(commit, x1 group.Element) *sigma.LinearRelation {
	g, _ := Generators()

	rel := sigma.NewLinearRelation(curve)

	sVar := rel.AllocateScalar()
	m1Var := rel.AllocateScalar()

	gVar := rel.AllocateElement()
	x1Var := rel.AllocateElement()
	commitVar := rel.AllocateElement()

	rel.AddEquation(commitVar, sigma.NewTerm(sVar, gVar), sigma.NewTerm(m1Var, x1Var))

	rel.SetElement(gVar, g)
	rel.SetElement(x1Var, x1)
	rel.SetElement(commitVar, commit)

	return rel
}

// CredentialResponse is the issuer's blinded issuance response:
// P = b·G and BlindQ = b·commit + (x0 + m2·x2)·P, plus a proof of correctness
// relative to the published key.
type CredentialResponse struct {
	P      group.Element
	BlindQ group.Element
	Proof  []byte
}

// Issue verifies a credential request and produces the blinded MAC.
func Issue(req *CredentialRequest, sk *ServerPrivateKey) (*CredentialResponse, error) {
	if req.Commit.IsIdentity() {
		return nil, ErrIdentityPoint
	}

	reqProof, err := sigma.ParseProof(curve, req.Proof)
	if err != nil {
		return nil, ErrRequestProofInvalid
	}

	pub := sk.PublicKey()

	if err := requestRelation(req.Commit, pub.X1).Verify(proofSessionID(SubTagIssueRequest, nil), reqProof); err != nil {
		return nil, ErrRequestProofInvalid
	}

	g, _ := Generators()

	b := NewRandomScalar()
	defer ZeroizeScalar(b)

	p := NewElement()
	p.Mul(g, b)

	// BlindQ = b·commit + (x0 + m2·x2)·P
	exp := NewScalar()
	exp.Mul(AttributeM2(), sk.X2)
	exp.Add(exp, sk.X0)

	blindQ := NewElement()
	blindQ.Mul(req.Commit, b)

	keyed := NewElement()
	keyed.Mul(p, exp)
	blindQ.Add(blindQ, keyed)

	ZeroizeScalar(exp)

	rel := issuerRelation(req.Commit, p, blindQ, pub)

	proof, err := rel.Prove(proofSessionID(SubTagIssueResponse, nil),
		[]group.Scalar{b, sk.X0, sk.X0Blind, sk.X2})
	if err != nil {
		return nil, fmt.Errorf("issuer proof: %w", err)
	}

	proofBytes, err := proof.Bytes()
	if err != nil {
		return nil, fmt.Errorf("issuer proof: %w", err)
	}

	return &CredentialResponse{P: p, BlindQ: blindQ, Proof: proofBytes}, nil
}

// issuerRelation is the statement binding (b, x0, x0_blind, x2) to the public
// key: P = b·G, BlindQ = b·commit + x0·P + x2·(m2·P), X0 = x0_blind·G + x0·H,
// X2 = x2·G. The m2·P base is public, keeping the relation linear.
func issuerRelation(commit, p, blindQ group.Element, pub *ServerPublicKey) *sigma.LinearRelation {
	g, h := Generators()

	m2P := NewElement()
	m2P.Mul(p, AttributeM2())

	rel := sigma.NewLinearRelation(curve)

	bVar := rel.AllocateScalar()
	x0Var := rel.AllocateScalar()
	x0BlindVar := rel.AllocateScalar()
	x2Var := rel.AllocateScalar()

	gVar := rel.AllocateElement()
	hVar := rel.AllocateElement()
	commitVar := rel.AllocateElement()
	pVar := rel.AllocateElement()
	m2PVar := rel.AllocateElement()
	blindQVar := rel.AllocateElement()
	x0PubVar := rel.AllocateElement()
	x2PubVar := rel.AllocateElement()

	rel.AddEquation(pVar, sigma.NewTerm(bVar, gVar))
	rel.AddEquation(blindQVar,
		sigma.NewTerm(bVar, commitVar),
		sigma.NewTerm(x0Var, pVar),
		sigma.NewTerm(x2Var, m2PVar))
	rel.AddEquation(x0PubVar, sigma.NewTerm(x0BlindVar, gVar), sigma.NewTerm(x0Var, hVar))
	rel.AddEquation(x2PubVar, sigma.NewTerm(x2Var, gVar))

	rel.SetElement(gVar, g)
	rel.SetElement(hVar, h)
	rel.SetElement(commitVar, commit)
	rel.SetElement(pVar, p)
	rel.SetElement(m2PVar, m2P)
	rel.SetElement(blindQVar, blindQ)
	rel.SetElement(x0PubVar, pub.X0)
	rel.SetElement(x2PubVar, pub.X2)

	return rel
}

// Credential is the finalized MAC credential held by the client:
// Q = (x0 + m1·x1 + m2·x2)·U with m2 fixed at the domain constant. X1 is
// carried for verifier convenience.
type Credential struct {
	M1 group.Scalar
	U  group.Element
	Q  group.Element
	X1 group.Element
}

// FinalizeCredential verifies the issuer's proof, unblinds the MAC and
// re-randomizes it. If the resulting U is the identity the finalization is
// retried with a fresh randomizer.
func FinalizeCredential(req *CredentialRequest, resp *CredentialResponse, secrets *ClientSecrets,
	pub *ServerPublicKey) (*Credential, error) {
	if resp.P.IsIdentity() {
		return nil, ErrIdentityPoint
	}

	proof, err := sigma.ParseProof(curve, resp.Proof)
	if err != nil {
		return nil, ErrIssuerProofInvalid
	}

	rel := issuerRelation(req.Commit, resp.P, resp.BlindQ, pub)
	if err := rel.Verify(proofSessionID(SubTagIssueResponse, nil), proof); err != nil {
		return nil, ErrIssuerProofInvalid
	}

	// Q_blind = BlindQ − s·P undoes the Pedersen blinding.
	sP := NewElement()
	sP.Mul(resp.P, secrets.S)
	sP.Neg(sP)

	qBlind := NewElement()
	qBlind.Add(resp.BlindQ, sP)

	for {
		r := NewRandomScalar()

		u := NewElement()
		u.Mul(resp.P, r)

		if u.IsIdentity() {
			ZeroizeScalar(r)
			continue
		}

		q := NewElement()
		q.Mul(qBlind, r)

		ZeroizeScalar(r)

		return &Credential{M1: secrets.M1.Copy(), U: u, Q: q, X1: pub.X1.Copy()}, nil
	}
}

// VerifyMAC is the issuer-local, non-ZK MAC check: recompute
// (x0 + m1·x1 + m2·x2)·U and compare to Q in constant time.
func (sk *ServerPrivateKey) VerifyMAC(m1 group.Scalar, u, q group.Element) error {
	if u.IsIdentity() || q.IsIdentity() {
		return ErrIdentityPoint
	}

	exp := NewScalar()
	exp.Mul(m1, sk.X1)

	m2x2 := NewScalar()
	m2x2.Mul(AttributeM2(), sk.X2)

	exp.Add(exp, m2x2)
	exp.Add(exp, sk.X0)

	expected := NewElement()
	expected.Mul(u, exp)

	ZeroizeScalar(exp, m2x2)

	if !ElementsEqual(expected, q) {
		return ErrMACMismatch
	}

	return nil
}

// proofSessionID builds the Fiat-Shamir session identifier for a sub-protocol,
// optionally bound to a presentation context hash.
func proofSessionID(subTag string, contextHash []byte) []byte {
	id := []byte(SuiteID + ":" + subTag)

	if len(contextHash) > 0 {
		id = append(id, frameParts([][]byte{contextHash})...)
	}

	return id
}
