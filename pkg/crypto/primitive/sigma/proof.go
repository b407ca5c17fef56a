/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigma

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/group"
	"golang.org/x/crypto/cryptobyte"
)

// Proof is a non-interactive proof for a LinearRelation: one commitment point
// per equation and one response scalar per witness. The challenge is not
// carried; the verifier recomputes it from the transcript.
type Proof struct {
	commitments []group.Element
	responses   []group.Scalar
}

// Prove compiles the relation into a Σ-protocol run made non-interactive via
// Fiat-Shamir over the given session identifier. The witnesses must be in
// allocation order. Nonce scalars are zeroized before returning.
func (r *LinearRelation) Prove(sessionID []byte, witnesses []group.Scalar) (*Proof, error) {
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("prove: %w", err)
	}

	if len(witnesses) != r.nWitness {
		return nil, fmt.Errorf("prove: got %d witnesses, relation has %d", len(witnesses), r.nWitness)
	}

	nonces := make([]group.Scalar, r.nWitness)
	for i := range nonces {
		nonces[i] = r.g.RandomNonZeroScalar(rand.Reader)
	}

	commitments := make([]group.Element, len(r.equations))

	for j, eq := range r.equations {
		commitments[j] = r.witnessCombination(eq, nonces)
	}

	t := NewTranscript(sessionID)
	r.appendStatement(t)

	for j, c := range commitments {
		t.AppendElement(fmt.Sprintf("commit-%d", j), c)
	}

	c := t.ChallengeScalar("fiat-shamir", r.g)

	responses := make([]group.Scalar, r.nWitness)

	for i := range responses {
		z := r.g.NewScalar()
		z.Mul(c, witnesses[i])
		z.Add(z, nonces[i])
		responses[i] = z

		nonces[i].SetUint64(0)
	}

	return &Proof{commitments: commitments, responses: responses}, nil
}

// Verify checks a proof against the relation using batchable verification:
// a random linear combination of all equations is checked for the identity.
// Each equation's sides are still evaluated in full, and the random weights
// add one scalar multiplication per equation, so this does not reduce the
// scalar-mul cost below checking every equation individually.
func (r *LinearRelation) Verify(sessionID []byte, proof *Proof) error {
	if err := r.validate(); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	if len(proof.commitments) != len(r.equations) || len(proof.responses) != r.nWitness {
		return ErrTranscriptMismatch
	}

	t := NewTranscript(sessionID)
	r.appendStatement(t)

	for j, c := range proof.commitments {
		t.AppendElement(fmt.Sprintf("commit-%d", j), c)
	}

	c := t.ChallengeScalar("fiat-shamir", r.g)

	// acc = Σ_j ρ_j · (Σ_terms ±z_i·E  −  R_j − c·T'_j) must be the identity.
	acc := r.g.Identity()

	for j, eq := range r.equations {
		lhs := r.witnessCombination(eq, proof.responses)

		rhs := r.g.NewElement()
		rhs.Mul(r.effectiveTarget(eq), c)
		rhs.Add(rhs, proof.commitments[j])

		diff := rhs.Neg(rhs)
		diff.Add(diff, lhs)

		rho := r.g.RandomNonZeroScalar(rand.Reader)
		diff.Mul(diff, rho)

		acc.Add(acc, diff)
	}

	if !acc.IsIdentity() {
		return ErrVerifyFailed
	}

	return nil
}

// witnessCombination evaluates Σ ±s_i·E over the equation's witness terms for
// the given scalar assignment (nonces when committing, responses when
// verifying). Public-coefficient terms are skipped; they live in the target.
func (r *LinearRelation) witnessCombination(eq equation, scalars []group.Scalar) group.Element {
	sum := r.g.Identity()

	for _, term := range eq.terms {
		if term.public != nil {
			continue
		}

		contrib := r.g.NewElement()
		contrib.Mul(r.elements[term.element], scalars[term.witness])

		if term.neg {
			contrib.Neg(contrib)
		}

		sum.Add(sum, contrib)
	}

	return sum
}

// Bytes serializes the proof: a length-prefixed list of compressed commitment
// points followed by a length-prefixed list of response scalars.
func (p *Proof) Bytes() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)

	b.AddUint16(uint16(len(p.commitments)))

	for _, c := range p.commitments {
		enc, err := c.MarshalBinaryCompress()
		if err != nil {
			return nil, fmt.Errorf("marshal commitment: %w", err)
		}

		b.AddBytes(enc)
	}

	b.AddUint16(uint16(len(p.responses)))

	for _, z := range p.responses {
		enc, err := z.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal response: %w", err)
		}

		b.AddBytes(enc)
	}

	return b.Bytes()
}

// ParseProof decodes a proof produced by Bytes for statements over g.
func ParseProof(g group.Group, data []byte) (*Proof, error) {
	s := cryptobyte.String(data)

	var nCommit uint16
	if !s.ReadUint16(&nCommit) {
		return nil, ErrMalformed
	}

	commitments := make([]group.Element, nCommit)

	for i := range commitments {
		var enc []byte
		if !s.ReadBytes(&enc, 33) {
			return nil, ErrMalformed
		}

		e := g.NewElement()
		if err := e.UnmarshalBinary(enc); err != nil {
			return nil, ErrMalformed
		}

		commitments[i] = e
	}

	var nResp uint16
	if !s.ReadUint16(&nResp) {
		return nil, ErrMalformed
	}

	responses := make([]group.Scalar, nResp)

	for i := range responses {
		var enc []byte
		if !s.ReadBytes(&enc, 32) {
			return nil, ErrMalformed
		}

		z := g.NewScalar()
		if err := z.UnmarshalBinary(enc); err != nil {
			return nil, ErrMalformed
		}

		responses[i] = z
	}

	if !s.Empty() {
		return nil, ErrMalformed
	}

	return &Proof{commitments: commitments, responses: responses}, nil
}
