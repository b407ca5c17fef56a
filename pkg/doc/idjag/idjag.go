/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package idjag parses and validates Identity Join-Authorization Grant
// tokens: short-lived JWTs of type "oauth-id-jag+jwt" that bridge an OIDC ID
// token to a gateway-scoped authorization.
package idjag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3/jwt"
)

// TokenType is the required value of the typ claim.
const TokenType = "oauth-id-jag+jwt"

// DefaultLeeway tolerates small clock skew between the IdP and the gateway.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid ID-JAG token")

// Claims are the ID-JAG token claims.
type Claims struct {
	Type     string `json:"typ"`
	ID       string `json:"jti"`
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Audience string `json:"aud"`
	Resource string `json:"resource"`
	ClientID string `json:"client_id"`
	Expiry   int64  `json:"exp"`
	IssuedAt int64  `json:"iat"`
	Scope    string `json:"scope"`
}

// KeyResolver resolves the IdP verification key for a token.
type KeyResolver interface {
	// ResolveKey returns the public key for the given issuer and key ID. An
	// empty key ID selects the issuer's only (or first) signing key.
	ResolveKey(ctx context.Context, issuer, keyID string) (interface{}, error)
}

// Validator validates ID-JAG tokens against a key resolver.
type Validator struct {
	resolver KeyResolver
	leeway   time.Duration
}

// NewValidator creates a Validator. A zero leeway falls back to
// DefaultLeeway.
func NewValidator(resolver KeyResolver, leeway time.Duration) *Validator {
	if leeway <= 0 {
		leeway = DefaultLeeway
	}

	return &Validator{resolver: resolver, leeway: leeway}
}

// Validate parses the token, verifies its signature against the issuer's key
// and checks type, audience and lifetime. The audience must equal the gateway
// issuer URL exactly.
func (v *Validator) Validate(ctx context.Context, rawToken, expectedAudience string,
	now time.Time) (*Claims, error) {
	token, err := jwt.ParseSigned(rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %s", ErrInvalidToken, err)
	}

	// Peek at the unverified issuer to select a key, then verify.
	var unverified Claims
	if err := token.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return nil, fmt.Errorf("%w: claims: %s", ErrInvalidToken, err)
	}

	var keyID string
	if len(token.Headers) > 0 {
		keyID = token.Headers[0].KeyID
	}

	key, err := v.resolver.ResolveKey(ctx, unverified.Issuer, keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve key: %s", ErrInvalidToken, err)
	}

	var claims Claims
	if err := token.Claims(key, &claims); err != nil {
		return nil, fmt.Errorf("%w: signature: %s", ErrInvalidToken, err)
	}

	if claims.Type != TokenType {
		return nil, fmt.Errorf("%w: token type %q", ErrInvalidToken, claims.Type)
	}

	if claims.Audience != expectedAudience {
		return nil, fmt.Errorf("%w: audience %q does not match gateway %q",
			ErrInvalidToken, claims.Audience, expectedAudience)
	}

	if claims.Expiry <= 0 || now.After(time.Unix(claims.Expiry, 0).Add(v.leeway)) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}

	if claims.IssuedAt > 0 && time.Unix(claims.IssuedAt, 0).After(now.Add(v.leeway)) {
		return nil, fmt.Errorf("%w: token issued in the future", ErrInvalidToken)
	}

	if claims.Subject == "" || claims.Issuer == "" {
		return nil, fmt.Errorf("%w: missing subject or issuer", ErrInvalidToken)
	}

	return &claims, nil
}

// StaticResolver resolves keys from a fixed map, keyed by key ID. It serves
// deployments with a pinned IdP key and tests.
type StaticResolver struct {
	keys map[string]interface{}
}

// NewStaticResolver creates a StaticResolver over the given keys.
func NewStaticResolver(keys map[string]interface{}) *StaticResolver {
	return &StaticResolver{keys: keys}
}

// ResolveKey implements KeyResolver.
func (r *StaticResolver) ResolveKey(_ context.Context, _, keyID string) (interface{}, error) {
	if key, ok := r.keys[keyID]; ok {
		return key, nil
	}

	if keyID == "" && len(r.keys) == 1 {
		for _, key := range r.keys {
			return key, nil
		}
	}

	return nil, fmt.Errorf("no key for key ID %q", keyID)
}
