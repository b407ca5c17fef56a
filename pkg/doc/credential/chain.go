/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package credential

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrChainSignatureInvalid is returned when a delegation chain entry's
// signature does not verify under the delegator's key.
var ErrChainSignatureInvalid = errors.New("delegation chain entry signature invalid")

// ChainEntry witnesses one delegation step. The signature covers
// (parent credential ID ‖ delegatee agent ID ‖ capabilities snapshot ‖
// timestamp) under the delegator's signing key.
type ChainEntry struct {
	ParentCredentialID uuid.UUID    `json:"parent_credential_id"`
	DelegatorAgentID   string       `json:"delegator_agent_id"`
	DelegateeAgentID   string       `json:"delegatee_agent_id"`
	DelegatorPublicKey string       `json:"delegator_public_key"` // hex-encoded Ed25519 key
	Timestamp          time.Time    `json:"timestamp"`
	Capabilities       Capabilities `json:"capabilities_snapshot"`
	Signature          string       `json:"signature"` // hex-encoded
}

// SigningBytes returns the canonical bytes the entry signature covers.
func (e *ChainEntry) SigningBytes() ([]byte, error) {
	snapshot, err := canonicalJSON(e.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("chain entry signing bytes: %w", err)
	}

	var data []byte

	data = append(data, e.ParentCredentialID[:]...)
	data = append(data, []byte(e.DelegateeAgentID)...)
	data = append(data, snapshot...)
	data = append(data, []byte(e.Timestamp.UTC().Format(time.RFC3339))...)

	return data, nil
}

// Sign fills in the entry signature under the delegator's private key.
func (e *ChainEntry) Sign(key ed25519.PrivateKey) error {
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}

	e.Signature = hex.EncodeToString(ed25519.Sign(key, data))

	return nil
}

// Verify checks the entry signature against the delegator public key carried
// in the entry.
func (e *ChainEntry) Verify() error {
	keyRaw, err := hex.DecodeString(e.DelegatorPublicKey)
	if err != nil || len(keyRaw) != ed25519.PublicKeySize {
		return ErrChainSignatureInvalid
	}

	sig, err := hex.DecodeString(e.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrChainSignatureInvalid
	}

	data, err := e.SigningBytes()
	if err != nil {
		return ErrChainSignatureInvalid
	}

	if !ed25519.Verify(ed25519.PublicKey(keyRaw), data, sig) {
		return ErrChainSignatureInvalid
	}

	return nil
}

// Chain is the ordered delegation audit trail, oldest entry first.
type Chain []ChainEntry

// Depth returns the number of delegation steps.
func (c Chain) Depth() int {
	return len(c)
}

// AuditTrail renders the chain as "delegator -> delegatee" strings.
func (c Chain) AuditTrail() []string {
	trail := make([]string, 0, len(c))

	for _, e := range c {
		trail = append(trail, fmt.Sprintf("%s -> %s", e.DelegatorAgentID, e.DelegateeAgentID))
	}

	return trail
}

// Verify checks every entry's signature. Entry order and capability
// reduction are the delegation engine's concern; this covers authenticity
// only.
func (c Chain) Verify() error {
	for i := range c {
		if err := c[i].Verify(); err != nil {
			return fmt.Errorf("chain entry %d: %w", i, err)
		}
	}

	return nil
}

// DelegationRights controls whether and how far a credential may be
// delegated.
type DelegationRights struct {
	CanDelegate bool `json:"can_delegate"`

	// MaxDepth is the number of further delegation steps permitted.
	// 0 means the credential cannot be delegated (even if CanDelegate is set).
	MaxDepth int `json:"max_depth"`

	// AllowedCapabilities optionally restricts which tool patterns may be
	// passed on; empty means any subset of the credential's own capabilities.
	AllowedCapabilities []ToolPattern `json:"allowed_capabilities,omitempty"`
}

// NoDelegation returns rights that prohibit delegation.
func NoDelegation() DelegationRights {
	return DelegationRights{}
}

// AllowDelegation returns rights permitting up to maxDepth delegation steps.
func AllowDelegation(maxDepth int) DelegationRights {
	return DelegationRights{CanDelegate: true, MaxDepth: maxDepth}
}
