/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package credential defines the ACDP credential model: the three credential
// variants (identity-bound, anonymous, hybrid), their canonical serialization
// and issuer signature binding, capabilities, and the delegation chain.
package credential

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperledger/acdp-framework-go/pkg/crypto/primitive/arc"
)

// Version is the ACDP protocol version carried by every credential.
const Version = "0.3"

// ErrSignatureInvalid is returned when the issuer signature does not verify.
var ErrSignatureInvalid = errors.New("credential signature invalid")

// ErrNonCanonical is returned when a serialized credential is not in
// canonical form.
var ErrNonCanonical = errors.New("credential encoding is not canonical")

// Type discriminates the three credential variants.
type Type int

// Credential variants.
const (
	TypeIdentityBound Type = iota
	TypeAnonymous
	TypeHybrid
)

var typeNames = map[Type]string{
	TypeIdentityBound: "identity_bound",
	TypeAnonymous:     "anonymous",
	TypeHybrid:        "hybrid",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("unknown(%d)", int(t))
}

// MarshalJSON implements json.Marshaler.
func (t Type) MarshalJSON() ([]byte, error) {
	name, ok := typeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown credential type %d", int(t))
	}

	return json.Marshal(name)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Type) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	for typ, n := range typeNames {
		if n == name {
			*t = typ
			return nil
		}
	}

	return fmt.Errorf("unknown credential type %q", name)
}

// ParseType parses a credential type name.
func ParseType(name string) (Type, error) {
	for typ, n := range typeNames {
		if n == name {
			return typ, nil
		}
	}

	return 0, fmt.Errorf("unknown credential type %q", name)
}

// ARCInfo is the issuer-visible part of an ARC credential: the MAC (U, Q),
// X1 for verifier convenience, and the issuer-authenticated commitment to m1
// from the issuance request. The secret attribute m1 itself is never
// serialized by the issuer; the client keeps it alongside this record.
type ARCInfo struct {
	U        string `json:"u"`         // hex, compressed point
	Q        string `json:"q"`         // hex, compressed point
	X1       string `json:"x1"`        // hex, compressed point
	M1Commit string `json:"m1_commit"` // hex, compressed point
}

// NewARCInfo encodes the public half of a finalized ARC credential.
func NewARCInfo(cred *arc.Credential, m1Commit []byte) (*ARCInfo, error) {
	u, err := arc.MarshalElement(cred.U)
	if err != nil {
		return nil, fmt.Errorf("encode ARC info: %w", err)
	}

	q, err := arc.MarshalElement(cred.Q)
	if err != nil {
		return nil, fmt.Errorf("encode ARC info: %w", err)
	}

	x1, err := arc.MarshalElement(cred.X1)
	if err != nil {
		return nil, fmt.Errorf("encode ARC info: %w", err)
	}

	return &ARCInfo{
		U:        hex.EncodeToString(u),
		Q:        hex.EncodeToString(q),
		X1:       hex.EncodeToString(x1),
		M1Commit: hex.EncodeToString(m1Commit),
	}, nil
}

// Credential reconstructs the client-side ARC credential from the serialized
// public half and the client-held secret attribute m1 (hex-encoded scalar).
func (i *ARCInfo) Credential(m1Hex string) (*arc.Credential, error) {
	m1Raw, err := hex.DecodeString(m1Hex)
	if err != nil {
		return nil, fmt.Errorf("decode m1: %w", err)
	}

	m1, err := arc.UnmarshalScalar(m1Raw)
	if err != nil {
		return nil, fmt.Errorf("decode m1: %w", err)
	}

	uRaw, err := hex.DecodeString(i.U)
	if err != nil {
		return nil, fmt.Errorf("decode U: %w", err)
	}

	u, err := arc.UnmarshalElement(uRaw)
	if err != nil {
		return nil, fmt.Errorf("decode U: %w", err)
	}

	qRaw, err := hex.DecodeString(i.Q)
	if err != nil {
		return nil, fmt.Errorf("decode Q: %w", err)
	}

	q, err := arc.UnmarshalElement(qRaw)
	if err != nil {
		return nil, fmt.Errorf("decode Q: %w", err)
	}

	x1Raw, err := hex.DecodeString(i.X1)
	if err != nil {
		return nil, fmt.Errorf("decode X1: %w", err)
	}

	x1, err := arc.UnmarshalElement(x1Raw)
	if err != nil {
		return nil, fmt.Errorf("decode X1: %w", err)
	}

	return &arc.Credential{M1: m1, U: u, Q: q, X1: x1}, nil
}

// Credential is the ACDP credential object. Principal, Agent and Signature
// are unset on anonymous credentials; ARC is unset on identity-bound ones.
type Credential struct {
	Version      string    `json:"version"`
	CredentialID uuid.UUID `json:"credential_id"`
	Type         Type      `json:"type"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`

	Principal *Principal `json:"principal,omitempty"`
	Agent     *Agent     `json:"agent,omitempty"`

	Capabilities    Capabilities     `json:"capabilities"`
	Delegation      DelegationRights `json:"delegation"`
	DelegationChain Chain            `json:"delegation_chain"`

	ARC *ARCInfo `json:"arc,omitempty"`

	Extensions map[string]interface{} `json:"extensions,omitempty"`

	Signature string `json:"signature,omitempty"` // hex-encoded Ed25519
}

// IsExpired reports whether the credential is outside [issued_at, expires_at)
// at the given instant.
func (c *Credential) IsExpired(now time.Time) bool {
	return now.Before(c.IssuedAt) || !now.Before(c.ExpiresAt)
}

// HasIdentity reports whether the variant carries a principal, agent and
// issuer signature.
func (c *Credential) HasIdentity() bool {
	return c.Type == TypeIdentityBound || c.Type == TypeHybrid
}

// HasARC reports whether the variant carries an ARC credential.
func (c *Credential) HasARC() bool {
	return c.Type == TypeAnonymous || c.Type == TypeHybrid
}

// CanonicalBytes returns the deterministic sorted-key encoding of all fields
// except the outer signature. This is the byte string the issuer signs.
func (c *Credential) CanonicalBytes() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = ""

	return canonicalJSON(&unsigned)
}

// Bytes returns the canonical serialization of the full credential,
// signature included. This is the form persisted and exchanged.
func (c *Credential) Bytes() ([]byte, error) {
	return canonicalJSON(c)
}

// Sign computes the issuer signature over the canonical form. Anonymous
// credentials carry no issuer signature; signing one is an error.
func (c *Credential) Sign(key ed25519.PrivateKey) error {
	if !c.HasIdentity() {
		return fmt.Errorf("credential type %s carries no issuer signature", c.Type)
	}

	data, err := c.CanonicalBytes()
	if err != nil {
		return err
	}

	c.Signature = hex.EncodeToString(ed25519.Sign(key, data))

	return nil
}

// VerifySignature checks the issuer signature over the canonical form.
// Anonymous credentials have no signature to verify and pass vacuously; their
// authentication happens through the ARC presentation.
func (c *Credential) VerifySignature(issuerKey ed25519.PublicKey) error {
	if !c.HasIdentity() {
		return nil
	}

	sig, err := hex.DecodeString(c.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrSignatureInvalid
	}

	data, err := c.CanonicalBytes()
	if err != nil {
		return ErrSignatureInvalid
	}

	if !ed25519.Verify(issuerKey, data, sig) {
		return ErrSignatureInvalid
	}

	return nil
}

// Validate checks structural well-formedness of the variant.
func (c *Credential) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("unsupported credential version %q", c.Version)
	}

	if c.CredentialID == uuid.Nil {
		return errors.New("credential ID is unset")
	}

	if !c.ExpiresAt.After(c.IssuedAt) {
		return errors.New("expires_at must be after issued_at")
	}

	if len(c.Capabilities.AllowedTools) == 0 {
		return errors.New("capabilities must allow at least one tool")
	}

	if c.Capabilities.RateLimit.MaxPresentations == 0 {
		return errors.New("rate limit must allow at least one presentation")
	}

	if c.HasIdentity() {
		if c.Principal == nil || c.Agent == nil {
			return fmt.Errorf("credential type %s requires principal and agent", c.Type)
		}

		if _, err := c.Agent.SigningKey(); err != nil {
			return err
		}
	} else if c.Principal != nil || c.Agent != nil || c.Signature != "" {
		return errors.New("anonymous credential must not carry identity fields")
	}

	if c.HasARC() && c.ARC == nil {
		return fmt.Errorf("credential type %s requires an ARC credential", c.Type)
	}

	if !c.HasARC() && c.ARC != nil {
		return errors.New("identity-bound credential must not carry an ARC credential")
	}

	return nil
}

// Parse decodes a serialized credential, requiring the canonical encoding.
func Parse(raw []byte) (*Credential, error) {
	if !isCanonical(raw) {
		return nil, ErrNonCanonical
	}

	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}

	return &c, nil
}
