/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger/acdp-framework-go/pkg/doc/credential"
	"github.com/hyperledger/acdp-framework-go/pkg/doc/idjag"
)

const testIssuerURL = "https://acdp-gateway.example/"

type testEnv struct {
	gateway *Gateway
	idpPriv ed25519.PrivateKey
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	idpPub, idpPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)

	cfg := DefaultConfig()
	cfg.GatewayIssuerURL = testIssuerURL

	gw, err := New(cfg,
		WithKeyResolver(idjag.NewStaticResolver(map[string]interface{}{"idp-key": idpPub})),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	t.Cleanup(func() { gw.Close() }) //nolint:errcheck // test cleanup

	return &testEnv{gateway: gw, idpPriv: idpPriv, now: now}
}

func (e *testEnv) idJAG(t *testing.T) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: jose.JSONWebKey{Key: e.idpPriv, KeyID: "idp-key"}},
		nil)
	require.NoError(t, err)

	claims := idjag.Claims{
		Type:     idjag.TokenType,
		ID:       "jti-1",
		Issuer:   "https://idp.acme.example",
		Subject:  "alice@acme.example",
		Audience: testIssuerURL,
		Resource: "https://mcp-server.example/",
		ClientID: "mcp-client",
		Expiry:   e.now.Add(5 * time.Minute).Unix(),
		IssuedAt: e.now.Unix(),
		Scope:    "mcp:filesystem:read",
	}

	raw, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	require.NoError(t, err)

	return raw
}

func agentKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return hex.EncodeToString(pub), priv
}

func issuanceRequest(t *testing.T, credType string) *IssuanceRequest {
	t.Helper()

	agentPub, _ := agentKey(t)

	return &IssuanceRequest{
		AgentID:        "agent://assistant",
		AgentPublicKey: agentPub,
		CredentialType: credType,
		Capabilities: CapabilitySpec{
			RateLimit: RateLimitSpec{MaxPresentations: 100, Window: "24h"},
			Tools: ToolAccessSpec{
				Allowed: []string{"filesystem/*"},
				Denied:  []string{"filesystem/execute"},
			},
		},
		DurationDays: 7,
	}
}

func TestIssueIdentityBound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.gateway.IssueCredential(ctx, env.idJAG(t), issuanceRequest(t, "identity_bound"))
	require.NoError(t, err)

	cred := resp.Credential
	require.Equal(t, credential.TypeIdentityBound, cred.Type)
	require.Equal(t, "alice@acme.example", cred.Principal.Subject)
	require.Equal(t, "agent://assistant", cred.Agent.AgentID)
	require.Nil(t, cred.ARC)
	require.Nil(t, resp.ARCClientState)

	require.NoError(t, cred.VerifySignature(env.gateway.PublicKey()))
	require.Equal(t, env.now.Add(7*24*time.Hour), cred.ExpiresAt)

	rec, err := env.gateway.Store().Get(ctx, resp.CredentialID)
	require.NoError(t, err)
	require.Equal(t, uint64(100), rec.MaxPresentations)
	require.Equal(t, 24*time.Hour, rec.RateWindow)
	require.Equal(t, "alice@acme.example", rec.PrincipalSubject)
}

func TestIssueAnonymous(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.gateway.IssueCredential(context.Background(), env.idJAG(t),
		issuanceRequest(t, "anonymous"))
	require.NoError(t, err)

	cred := resp.Credential
	require.Equal(t, credential.TypeAnonymous, cred.Type)
	require.Nil(t, cred.Principal)
	require.Nil(t, cred.Agent)
	require.Empty(t, cred.Signature)
	require.NotNil(t, cred.ARC)

	require.NotNil(t, resp.ARCClientState)

	// The returned client state reconstructs a credential whose MAC the
	// issuer accepts.
	clientCred, err := cred.ARC.Credential(resp.ARCClientState.M1)
	require.NoError(t, err)
	require.NoError(t, env.gateway.ARCServerKey().VerifyMAC(clientCred.M1, clientCred.U, clientCred.Q))
}

func TestIssueHybrid(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.gateway.IssueCredential(context.Background(), env.idJAG(t),
		issuanceRequest(t, "hybrid"))
	require.NoError(t, err)

	cred := resp.Credential
	require.Equal(t, credential.TypeHybrid, cred.Type)
	require.NotNil(t, cred.Principal)
	require.NotNil(t, cred.ARC)
	require.NotNil(t, resp.ARCClientState)
	require.NoError(t, cred.VerifySignature(env.gateway.PublicKey()))
}

func TestIssueRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.gateway.IssueCredential(context.Background(), "garbage",
		issuanceRequest(t, "identity_bound"))
	require.ErrorIs(t, err, idjag.ErrInvalidToken)
}

func TestIssueRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.idJAG(t)

	tests := []struct {
		name   string
		mutate func(*IssuanceRequest)
	}{
		{"empty agent ID", func(r *IssuanceRequest) { r.AgentID = " " }},
		{"bad agent key", func(r *IssuanceRequest) { r.AgentPublicKey = "zz" }},
		{"short agent key", func(r *IssuanceRequest) { r.AgentPublicKey = "abcd" }},
		{"bad type", func(r *IssuanceRequest) { r.CredentialType = "super" }},
		{"zero duration", func(r *IssuanceRequest) { r.DurationDays = 0 }},
		{"excess duration", func(r *IssuanceRequest) { r.DurationDays = 366 }},
		{"no tools", func(r *IssuanceRequest) { r.Capabilities.Tools.Allowed = nil }},
		{"zero presentations", func(r *IssuanceRequest) { r.Capabilities.RateLimit.MaxPresentations = 0 }},
		{"bad window", func(r *IssuanceRequest) { r.Capabilities.RateLimit.Window = "soon" }},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			req := issuanceRequest(t, "identity_bound")
			tc.mutate(req)

			_, err := env.gateway.IssueCredential(context.Background(), token, req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.gateway.IssueCredential(ctx, env.idJAG(t), issuanceRequest(t, "identity_bound"))
	require.NoError(t, err)

	require.NoError(t, env.gateway.Revoke(ctx, resp.CredentialID, "test"))

	rec, err := env.gateway.Store().Get(ctx, resp.CredentialID)
	require.NoError(t, err)
	require.True(t, rec.Revoked)
}

func TestConfigFromMap(t *testing.T) {
	cfg, err := ConfigFromMap(map[string]interface{}{
		"gateway_issuer_url":            testIssuerURL,
		"idp_base_url":                  "https://idp.acme.example",
		"idp_jwks_refresh":              "5m",
		"rate_limit_window_default":     "1h",
		"max_delegation_depth_default":  5,
		"presentation_ledger_retention": "48h",
		"bind_host_port":                "0.0.0.0:9000",
	})
	require.NoError(t, err)

	require.Equal(t, testIssuerURL, cfg.GatewayIssuerURL)
	require.Equal(t, 5*time.Minute, cfg.IDPJWKSRefresh)
	require.Equal(t, time.Hour, cfg.RateLimitWindowDefault)
	require.Equal(t, 5, cfg.MaxDelegationDepthDefault)
	require.Equal(t, 48*time.Hour, cfg.PresentationLedgerRetention)
	require.Equal(t, "0.0.0.0:9000", cfg.BindAddress)
}

func TestConfigFromMapDefaults(t *testing.T) {
	cfg, err := ConfigFromMap(map[string]interface{}{
		"gateway_issuer_url": testIssuerURL,
	})
	require.NoError(t, err)

	require.Equal(t, DefaultConfig().RateLimitWindowDefault, cfg.RateLimitWindowDefault)
	require.Equal(t, DefaultConfig().BindAddress, cfg.BindAddress)
}

func TestConfigFromMapMissingIssuer(t *testing.T) {
	_, err := ConfigFromMap(map[string]interface{}{})
	require.Error(t, err)
}

func TestParseWindow(t *testing.T) {
	d, err := parseWindow("7d")
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, d)

	d, err = parseWindow("90m")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)

	_, err = parseWindow("soon")
	require.Error(t, err)

	_, err = parseWindow("-1h")
	require.Error(t, err)
}
