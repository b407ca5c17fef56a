/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package sigma implements a small linear-relation proof system: statements of
// the form "I know witnesses w_i such that target_j = Σ (w_i or public c)·E_k
// for every equation j" are compiled into a Schnorr-style Σ-protocol and made
// non-interactive with a Fiat-Shamir transcript.
package sigma

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/group"
)

// ErrVerifyFailed is returned when a proof does not verify against the
// statement.
var ErrVerifyFailed = errors.New("sigma: proof verification failed")

// ErrTranscriptMismatch is returned when a proof's structure does not match
// the relation it is verified against.
var ErrTranscriptMismatch = errors.New("sigma: proof does not match relation shape")

// ErrMalformed is returned on an undecodable proof encoding.
var ErrMalformed = errors.New("sigma: malformed proof encoding")

// ScalarVar references a secret witness scalar allocated in a relation.
type ScalarVar int

// ElementVar references a public group element allocated in a relation.
type ElementVar int

// Term is one scalar·element product inside an equation. Exactly one of the
// witness reference or the public coefficient is set.
type Term struct {
	witness ScalarVar
	public  group.Scalar
	element ElementVar
	neg     bool
}

// NewTerm builds a witness·element term.
func NewTerm(w ScalarVar, e ElementVar) Term {
	return Term{witness: w, public: nil, element: e}
}

// NewNegTerm builds a −witness·element term.
func NewNegTerm(w ScalarVar, e ElementVar) Term {
	return Term{witness: w, public: nil, element: e, neg: true}
}

// NewPublicTerm builds a term with a public scalar coefficient. Public terms
// carry no witness; the verifier folds them into the equation target.
func NewPublicTerm(c group.Scalar, e ElementVar) Term {
	return Term{witness: -1, public: c.Copy(), element: e}
}

type equation struct {
	target ElementVar
	terms  []Term
}

// LinearRelation is a bipartite statement over scalar variables (secret
// witnesses plus public coefficients) and group element variables, with a set
// of linear equations. The same relation structure is built by both the prover
// and the verifier; only the prover sets witnesses.
type LinearRelation struct {
	g         group.Group
	nWitness  int
	elements  []group.Element
	equations []equation
}

// NewLinearRelation creates an empty relation over the given group.
func NewLinearRelation(g group.Group) *LinearRelation {
	return &LinearRelation{g: g}
}

// AllocateScalar allocates a secret witness variable.
func (r *LinearRelation) AllocateScalar() ScalarVar {
	v := ScalarVar(r.nWitness)
	r.nWitness++

	return v
}

// AllocateScalars allocates n witness variables at once.
func (r *LinearRelation) AllocateScalars(n int) []ScalarVar {
	vars := make([]ScalarVar, n)
	for i := range vars {
		vars[i] = r.AllocateScalar()
	}

	return vars
}

// AllocateElement allocates a public group element variable.
func (r *LinearRelation) AllocateElement() ElementVar {
	r.elements = append(r.elements, nil)

	return ElementVar(len(r.elements) - 1)
}

// SetElement assigns a value to an element variable.
func (r *LinearRelation) SetElement(v ElementVar, value group.Element) {
	r.elements[v] = value.Copy()
}

// AddEquation appends the equation target = Σ terms.
func (r *LinearRelation) AddEquation(target ElementVar, terms ...Term) {
	r.equations = append(r.equations, equation{target: target, terms: terms})
}

func (r *LinearRelation) validate() error {
	for i, e := range r.elements {
		if e == nil {
			return fmt.Errorf("element variable %d is unset", i)
		}
	}

	for _, eq := range r.equations {
		for _, t := range eq.terms {
			if t.public == nil && (int(t.witness) < 0 || int(t.witness) >= r.nWitness) {
				return fmt.Errorf("equation references unallocated witness %d", t.witness)
			}

			if int(t.element) < 0 || int(t.element) >= len(r.elements) {
				return fmt.Errorf("equation references unallocated element %d", t.element)
			}
		}
	}

	return nil
}

// effectiveTarget returns target_j minus all public-coefficient terms, i.e.
// the point the witness terms must sum to.
func (r *LinearRelation) effectiveTarget(eq equation) group.Element {
	t := r.elements[eq.target].Copy()

	for _, term := range eq.terms {
		if term.public == nil {
			continue
		}

		contrib := r.g.NewElement()
		contrib.Mul(r.elements[term.element], term.public)

		if !term.neg {
			contrib.Neg(contrib)
		}

		t.Add(t, contrib)
	}

	return t
}

// appendStatement absorbs the full public statement into a transcript in
// deterministic order: all elements, then the shape of every equation.
func (r *LinearRelation) appendStatement(t *Transcript) {
	for i, e := range r.elements {
		t.AppendElement(fmt.Sprintf("elem-%d", i), e)
	}

	for j, eq := range r.equations {
		t.AppendMessage(fmt.Sprintf("eq-%d-target", j), []byte{byte(eq.target)})

		for k, term := range eq.terms {
			label := fmt.Sprintf("eq-%d-term-%d", j, k)

			switch {
			case term.public != nil:
				enc, _ := term.public.MarshalBinary() //nolint:errcheck // fixed-size scalar
				t.AppendMessage(label+"-public", enc)
			case term.neg:
				t.AppendMessage(label+"-neg", []byte{byte(term.witness)})
			default:
				t.AppendMessage(label+"-pos", []byte{byte(term.witness)})
			}

			t.AppendMessage(label+"-elem", []byte{byte(term.element)})
		}
	}
}
