/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package credential

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// Principal is the human identity a credential is bound to, taken from a
// validated ID-JAG.
type Principal struct {
	Subject  string `json:"subject"`
	Issuer   string `json:"issuer"`
	ClientID string `json:"client_id"`
}

// Agent is the autonomous agent a credential authorizes.
type Agent struct {
	AgentID   string `json:"agent_id"`
	PublicKey string `json:"public_key"` // hex-encoded Ed25519 key, 32 bytes
	AgentType string `json:"agent_type"`
}

// SigningKey decodes the agent's Ed25519 public key.
func (a *Agent) SigningKey() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(a.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode agent public key: %w", err)
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("agent public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}

	return ed25519.PublicKey(raw), nil
}

// Fingerprint returns a short base58 identifier for the agent's key, suitable
// for audit output.
func (a *Agent) Fingerprint() string {
	raw, err := hex.DecodeString(a.PublicKey)
	if err != nil {
		return ""
	}

	digest := sha256.Sum256(raw)

	return base58.Encode(digest[:16])
}
