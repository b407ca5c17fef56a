/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigma

import (
	"crypto/rand"
	"testing"

	"github.com/cloudflare/circl/group"
	"github.com/stretchr/testify/require"
)

const testSession = "sigma-test-session"

func buildDLogRelation(t *testing.T, g group.Group, pub group.Element) *LinearRelation {
	t.Helper()

	rel := NewLinearRelation(g)
	xVar := rel.AllocateScalar()
	gVar := rel.AllocateElement()
	pubVar := rel.AllocateElement()

	rel.AddEquation(pubVar, NewTerm(xVar, gVar))
	rel.SetElement(gVar, g.Generator())
	rel.SetElement(pubVar, pub)

	return rel
}

func TestProveVerifyDiscreteLog(t *testing.T) {
	g := group.P256

	x := g.RandomNonZeroScalar(rand.Reader)
	pub := g.NewElement().MulGen(x)

	proof, err := buildDLogRelation(t, g, pub).Prove([]byte(testSession), []group.Scalar{x})
	require.NoError(t, err)

	require.NoError(t, buildDLogRelation(t, g, pub).Verify([]byte(testSession), proof))
}

func TestVerifyRejectsWrongStatement(t *testing.T) {
	g := group.P256

	x := g.RandomNonZeroScalar(rand.Reader)
	pub := g.NewElement().MulGen(x)

	proof, err := buildDLogRelation(t, g, pub).Prove([]byte(testSession), []group.Scalar{x})
	require.NoError(t, err)

	otherPub := g.NewElement().MulGen(g.RandomNonZeroScalar(rand.Reader))

	err = buildDLogRelation(t, g, otherPub).Verify([]byte(testSession), proof)
	require.ErrorIs(t, err, ErrVerifyFailed)
}

func TestVerifyRejectsWrongSession(t *testing.T) {
	g := group.P256

	x := g.RandomNonZeroScalar(rand.Reader)
	pub := g.NewElement().MulGen(x)

	proof, err := buildDLogRelation(t, g, pub).Prove([]byte(testSession), []group.Scalar{x})
	require.NoError(t, err)

	err = buildDLogRelation(t, g, pub).Verify([]byte("sigma-other-session"), proof)
	require.ErrorIs(t, err, ErrVerifyFailed)
}

func TestPedersenRelationWithNegAndPublicTerms(t *testing.T) {
	g := group.P256

	// C = a·G − b·H + 7·H, witnesses (a, b).
	a := g.RandomNonZeroScalar(rand.Reader)
	b := g.RandomNonZeroScalar(rand.Reader)

	h := g.HashToElement([]byte("pedersen-h"), []byte("sigma-test"))
	seven := g.NewScalar()
	seven.SetUint64(7)

	c := g.NewElement().MulGen(a)
	bH := g.NewElement().Mul(h, b)
	bH.Neg(bH)
	c.Add(c, bH)

	sevenH := g.NewElement().Mul(h, seven)
	c.Add(c, sevenH)

	build := func() *LinearRelation {
		rel := NewLinearRelation(g)
		aVar := rel.AllocateScalar()
		bVar := rel.AllocateScalar()
		gVar := rel.AllocateElement()
		hVar := rel.AllocateElement()
		cVar := rel.AllocateElement()

		rel.AddEquation(cVar, NewTerm(aVar, gVar), NewNegTerm(bVar, hVar), NewPublicTerm(seven, hVar))
		rel.SetElement(gVar, g.Generator())
		rel.SetElement(hVar, h)
		rel.SetElement(cVar, c)

		return rel
	}

	proof, err := build().Prove([]byte(testSession), []group.Scalar{a, b})
	require.NoError(t, err)

	require.NoError(t, build().Verify([]byte(testSession), proof))
}

func TestProofBytesRoundTrip(t *testing.T) {
	g := group.P256

	x := g.RandomNonZeroScalar(rand.Reader)
	pub := g.NewElement().MulGen(x)

	proof, err := buildDLogRelation(t, g, pub).Prove([]byte(testSession), []group.Scalar{x})
	require.NoError(t, err)

	encoded, err := proof.Bytes()
	require.NoError(t, err)

	decoded, err := ParseProof(g, encoded)
	require.NoError(t, err)

	require.NoError(t, buildDLogRelation(t, g, pub).Verify([]byte(testSession), decoded))
}

func TestTamperedProofBytesFail(t *testing.T) {
	g := group.P256

	x := g.RandomNonZeroScalar(rand.Reader)
	pub := g.NewElement().MulGen(x)

	proof, err := buildDLogRelation(t, g, pub).Prove([]byte(testSession), []group.Scalar{x})
	require.NoError(t, err)

	encoded, err := proof.Bytes()
	require.NoError(t, err)

	for i := 0; i < len(encoded); i++ {
		tampered := append([]byte{}, encoded...)
		tampered[i] ^= 0x40

		decoded, parseErr := ParseProof(g, tampered)
		if parseErr != nil {
			continue
		}

		require.Error(t, buildDLogRelation(t, g, pub).Verify([]byte(testSession), decoded),
			"bit flip at byte %d must not verify", i)
	}
}

func TestParseProofRejectsMalformed(t *testing.T) {
	g := group.P256

	_, err := ParseProof(g, nil)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ParseProof(g, []byte{0x00})
	require.ErrorIs(t, err, ErrMalformed)

	// Truncated commitment.
	_, err = ParseProof(g, []byte{0x00, 0x01, 0x02, 0x03})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestProofShapeMismatch(t *testing.T) {
	g := group.P256

	x := g.RandomNonZeroScalar(rand.Reader)
	pub := g.NewElement().MulGen(x)

	proof, err := buildDLogRelation(t, g, pub).Prove([]byte(testSession), []group.Scalar{x})
	require.NoError(t, err)

	// A relation with two equations must reject a one-equation proof.
	rel := NewLinearRelation(g)
	xVar := rel.AllocateScalar()
	gVar := rel.AllocateElement()
	pubVar := rel.AllocateElement()
	rel.AddEquation(pubVar, NewTerm(xVar, gVar))
	rel.AddEquation(pubVar, NewTerm(xVar, gVar))
	rel.SetElement(gVar, g.Generator())
	rel.SetElement(pubVar, pub)

	require.ErrorIs(t, rel.Verify([]byte(testSession), proof), ErrTranscriptMismatch)
}
