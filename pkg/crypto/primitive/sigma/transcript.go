/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigma

import (
	"encoding/binary"

	"github.com/cloudflare/circl/group"
	"golang.org/x/crypto/sha3"
)

// Transcript is a SHAKE-128 duplex sponge used for Fiat-Shamir challenges.
// All public inputs must be absorbed before a challenge is squeezed; there is
// no rewinding. Squeezed output is re-absorbed so later challenges depend on
// earlier ones.
type Transcript struct {
	sponge sha3.ShakeHash
}

// NewTranscript creates a transcript seeded with the given session identifier.
// The session identifier must include the protocol domain tag, the suite
// identifier and any context the statement is bound to.
func NewTranscript(sessionID []byte) *Transcript {
	t := &Transcript{sponge: sha3.NewShake128()}
	t.absorb([]byte("session-id"), sessionID)

	return t
}

// AppendMessage absorbs a labelled message into the sponge.
func (t *Transcript) AppendMessage(label string, data []byte) {
	t.absorb([]byte(label), data)
}

// AppendElement absorbs a labelled group element. The identity absorbs as an
// empty encoding, which cannot collide with a 33-byte point encoding because
// of length framing.
func (t *Transcript) AppendElement(label string, e group.Element) {
	var enc []byte

	if !e.IsIdentity() {
		b, err := e.MarshalBinaryCompress()
		if err == nil {
			enc = b
		}
	}

	t.absorb([]byte(label), enc)
}

// ChallengeScalar squeezes a challenge and maps it into the scalar field of g.
// The squeezed bytes are absorbed back into the sponge.
func (t *Transcript) ChallengeScalar(label string, g group.Group) group.Scalar {
	t.absorb([]byte("challenge-label"), []byte(label))

	squeezed := make([]byte, 64)

	reader := t.sponge.Clone()
	if _, err := reader.Read(squeezed); err != nil {
		panic(err)
	}

	t.absorb([]byte("challenge-output"), squeezed)

	return g.HashToScalar(squeezed, []byte(label))
}

func (t *Transcript) absorb(label, data []byte) {
	var l [8]byte

	binary.BigEndian.PutUint64(l[:], uint64(len(label)))
	t.sponge.Write(l[:]) //nolint:errcheck // sha3 sponge write cannot fail
	t.sponge.Write(label)

	binary.BigEndian.PutUint64(l[:], uint64(len(data)))
	t.sponge.Write(l[:])
	t.sponge.Write(data)
}
