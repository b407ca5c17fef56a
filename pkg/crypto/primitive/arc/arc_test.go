/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package arc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerators(t *testing.T) {
	g, h := Generators()

	require.True(t, ElementsEqual(g, curve.Generator()))
	require.False(t, ElementsEqual(g, h))

	g2, h2 := Generators()
	require.True(t, ElementsEqual(g, g2))
	require.True(t, ElementsEqual(h, h2))
}

func TestServerKeyDerivation(t *testing.T) {
	sk := NewServerPrivateKey()
	pk := sk.PublicKey()

	g, h := Generators()

	// X0 = x0_blind·G + x0·H
	x0 := NewElement()
	x0.Mul(g, sk.X0Blind)

	x0H := NewElement()
	x0H.Mul(h, sk.X0)
	x0.Add(x0, x0H)

	require.True(t, ElementsEqual(pk.X0, x0))

	x1 := NewElement()
	x1.Mul(g, sk.X1)
	require.True(t, ElementsEqual(pk.X1, x1))

	x2 := NewElement()
	x2.Mul(g, sk.X2)
	require.True(t, ElementsEqual(pk.X2, x2))
}

func TestServerKeySerialization(t *testing.T) {
	sk := NewServerPrivateKey()

	skBytes, err := sk.Bytes()
	require.NoError(t, err)
	require.Len(t, skBytes, 4*ScalarSize)

	sk2, err := ParseServerPrivateKey(skBytes)
	require.NoError(t, err)
	require.True(t, ScalarsEqual(sk.X0, sk2.X0))
	require.True(t, ScalarsEqual(sk.X2, sk2.X2))

	pk := sk.PublicKey()

	pkBytes, err := pk.Bytes()
	require.NoError(t, err)
	require.Len(t, pkBytes, 3*CompressedPointSize)

	pk2, err := ParseServerPublicKey(pkBytes)
	require.NoError(t, err)
	require.True(t, ElementsEqual(pk.X0, pk2.X0))
	require.True(t, ElementsEqual(pk.X1, pk2.X1))
	require.True(t, ElementsEqual(pk.X2, pk2.X2))

	_, err = ParseServerPrivateKey(skBytes[:12])
	require.ErrorIs(t, err, ErrDecode)

	_, err = ParseServerPublicKey(pkBytes[1:])
	require.ErrorIs(t, err, ErrDecode)
}

func issueTestCredential(t *testing.T, sk *ServerPrivateKey) *Credential {
	t.Helper()

	pub := sk.PublicKey()
	secrets := NewClientSecrets()

	req, err := NewCredentialRequest(secrets, pub)
	require.NoError(t, err)

	resp, err := Issue(req, sk)
	require.NoError(t, err)

	cred, err := FinalizeCredential(req, resp, secrets, pub)
	require.NoError(t, err)

	return cred
}

func TestBlindedIssuanceProducesValidMAC(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	require.False(t, cred.U.IsIdentity())
	require.NoError(t, sk.VerifyMAC(cred.M1, cred.U, cred.Q))
}

func TestVerifyMACRejectsWrongAttribute(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	require.ErrorIs(t, sk.VerifyMAC(NewRandomScalar(), cred.U, cred.Q), ErrMACMismatch)
}

func TestVerifyMACRejectsIdentity(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	require.ErrorIs(t, sk.VerifyMAC(cred.M1, NewElement(), cred.Q), ErrIdentityPoint)
}

func TestIssueRejectsTamperedRequestProof(t *testing.T) {
	sk := NewServerPrivateKey()
	pub := sk.PublicKey()
	secrets := NewClientSecrets()

	req, err := NewCredentialRequest(secrets, pub)
	require.NoError(t, err)

	req.Proof[len(req.Proof)-1] ^= 0x01

	_, err = Issue(req, sk)
	require.ErrorIs(t, err, ErrRequestProofInvalid)
}

func TestFinalizeRejectsTamperedIssuerProof(t *testing.T) {
	sk := NewServerPrivateKey()
	pub := sk.PublicKey()
	secrets := NewClientSecrets()

	req, err := NewCredentialRequest(secrets, pub)
	require.NoError(t, err)

	resp, err := Issue(req, sk)
	require.NoError(t, err)

	resp.Proof[len(resp.Proof)-1] ^= 0x01

	_, err = FinalizeCredential(req, resp, secrets, pub)
	require.ErrorIs(t, err, ErrIssuerProofInvalid)
}

func TestFinalizeRejectsForeignIssuerKey(t *testing.T) {
	sk := NewServerPrivateKey()
	pub := sk.PublicKey()
	secrets := NewClientSecrets()

	req, err := NewCredentialRequest(secrets, pub)
	require.NoError(t, err)

	resp, err := Issue(req, sk)
	require.NoError(t, err)

	otherPub := NewServerPrivateKey().PublicKey()

	_, err = FinalizeCredential(req, resp, secrets, otherPub)
	require.ErrorIs(t, err, ErrIssuerProofInvalid)
}

func TestPresentAndVerify(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	credID := []byte("credential-1")
	context := []byte("mcp-server.example/filesystem/read_file")

	pres, err := cred.Present(credID, context, 3, 10)
	require.NoError(t, err)

	require.NoError(t, VerifyPresentation(sk, pres, credID, context, 10))
}

func TestPresentNonceOutOfRange(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	_, err := cred.Present([]byte("credential-1"), []byte("ctx"), 10, 10)
	require.ErrorIs(t, err, ErrNonceOutOfRange)
}

func TestVerifyNonceOutOfRange(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	pres, err := cred.Present([]byte("credential-1"), []byte("ctx"), 9, 10)
	require.NoError(t, err)

	require.ErrorIs(t, VerifyPresentation(sk, pres, []byte("credential-1"), []byte("ctx"), 5),
		ErrNonceOutOfRange)
}

func TestVerifyRejectsWrongContext(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	pres, err := cred.Present([]byte("credential-1"), []byte("ctxA"), 1, 10)
	require.NoError(t, err)

	require.Error(t, VerifyPresentation(sk, pres, []byte("credential-1"), []byte("ctxB"), 10))
}

func TestVerifyRejectsForeignCredential(t *testing.T) {
	sk := NewServerPrivateKey()
	otherSK := NewServerPrivateKey()
	cred := issueTestCredential(t, otherSK)

	pres, err := cred.Present([]byte("credential-1"), []byte("ctx"), 1, 10)
	require.NoError(t, err)

	require.ErrorIs(t, VerifyPresentation(sk, pres, []byte("credential-1"), []byte("ctx"), 10),
		ErrPresentationInvalid)
}

func TestTamperedPresentationFields(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	credID := []byte("credential-1")
	context := []byte("ctx")

	fresh := func() *Presentation {
		pres, err := cred.Present(credID, context, 1, 10)
		require.NoError(t, err)

		return pres
	}

	random := func() *Presentation {
		p := fresh()
		p.U.Mul(p.U, NewRandomScalar())

		return p
	}

	tests := []struct {
		name   string
		mutate func(*Presentation)
	}{
		{"U", func(p *Presentation) { p.U = random().U }},
		{"UPrimeCommit", func(p *Presentation) { p.UPrimeCommit = random().U }},
		{"M1Commit", func(p *Presentation) { p.M1Commit = random().U }},
		{"V", func(p *Presentation) { p.V = random().U }},
		{"T", func(p *Presentation) { p.T = random().U }},
		{"M1Tag", func(p *Presentation) { p.M1Tag = random().U }},
		{"Nonce", func(p *Presentation) { p.Nonce = 2 }},
		{"Proof", func(p *Presentation) { p.Proof[0] ^= 0x01 }},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			pres := fresh()
			tc.mutate(pres)

			require.Error(t, VerifyPresentation(sk, pres, credID, context, 10))
		})
	}
}

func TestDoubleSpendTagDeterministic(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	credID := []byte("credential-1")
	context := []byte("ctx")

	p1, err := cred.Present(credID, context, 4, 10)
	require.NoError(t, err)

	p2, err := cred.Present(credID, context, 4, 10)
	require.NoError(t, err)

	// Same (nonce, context) pair repeats the double-spend tag even though
	// everything else is re-randomized.
	require.True(t, ElementsEqual(p1.T, p2.T))
	require.False(t, ElementsEqual(p1.U, p2.U))
}

func TestPresentationsUnlinkable(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	credID := []byte("credential-1")

	p1, err := cred.Present(credID, []byte("ctxA"), 1, 10)
	require.NoError(t, err)

	p2, err := cred.Present(credID, []byte("ctxB"), 2, 10)
	require.NoError(t, err)

	// No public value may repeat across presentations for distinct contexts.
	for _, pair := range []struct {
		name string
		a, b interface {
			MarshalBinaryCompress() ([]byte, error)
		}
	}{
		{"U", p1.U, p2.U},
		{"UPrimeCommit", p1.UPrimeCommit, p2.UPrimeCommit},
		{"M1Commit", p1.M1Commit, p2.M1Commit},
		{"V", p1.V, p2.V},
		{"T", p1.T, p2.T},
		{"M1Tag", p1.M1Tag, p2.M1Tag},
	} {
		aBytes, err := pair.a.MarshalBinaryCompress()
		require.NoError(t, err)

		bBytes, err := pair.b.MarshalBinaryCompress()
		require.NoError(t, err)

		require.NotEqual(t, aBytes, bBytes, "field %s must not repeat across presentations", pair.name)
	}
}

func TestPresentationBytesRoundTrip(t *testing.T) {
	sk := NewServerPrivateKey()
	cred := issueTestCredential(t, sk)

	credID := []byte("credential-1")
	context := []byte("ctx")

	pres, err := cred.Present(credID, context, 1, 10)
	require.NoError(t, err)

	encoded, err := pres.Bytes()
	require.NoError(t, err)

	decoded, err := ParsePresentation(encoded)
	require.NoError(t, err)

	require.NoError(t, VerifyPresentation(sk, decoded, credID, context, 10))

	_, err = ParsePresentation(encoded[:len(encoded)-1])
	require.Error(t, err)
}

func TestAttributeM2Stable(t *testing.T) {
	require.True(t, ScalarsEqual(AttributeM2(), AttributeM2()))
}

// BenchmarkElementsEqual exists to observe comparison timing: equal and
// unequal inputs should cost the same since the comparison is over full
// encodings with a masked compare.
func BenchmarkElementsEqual(b *testing.B) {
	x := NewRandomScalar()

	g, _ := Generators()

	p := NewElement()
	p.Mul(g, x)

	q := p.Copy()

	other := NewElement()
	other.Mul(g, NewRandomScalar())

	b.Run("equal", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			ElementsEqual(p, q)
		}
	})

	b.Run("unequal", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			ElementsEqual(p, other)
		}
	})
}

func BenchmarkPresent(b *testing.B) {
	sk := NewServerPrivateKey()
	pub := sk.PublicKey()
	secrets := NewClientSecrets()

	req, err := NewCredentialRequest(secrets, pub)
	if err != nil {
		b.Fatal(err)
	}

	resp, err := Issue(req, sk)
	if err != nil {
		b.Fatal(err)
	}

	cred, err := FinalizeCredential(req, resp, secrets, pub)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cred.Present([]byte("cred"), []byte("ctx"), 1, 10); err != nil {
			b.Fatal(err)
		}
	}
}

func TestElementCodecRejectsIdentity(t *testing.T) {
	_, err := MarshalElement(NewElement())
	require.ErrorIs(t, err, ErrIdentityPoint)

	_, err = UnmarshalElement(make([]byte, CompressedPointSize))
	require.Error(t, err)
}
