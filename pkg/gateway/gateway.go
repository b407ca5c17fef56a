/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package gateway implements the ACDP issuance service: it validates ID-JAG
// tokens, runs the blinded ARC issuance flow, signs identity-carrying
// credentials with the issuer key and persists the resulting records.
package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyperledger/acdp-framework-go/component/log"
	"github.com/hyperledger/acdp-framework-go/component/storageutil/mem"
	"github.com/hyperledger/acdp-framework-go/pkg/crypto/primitive/arc"
	"github.com/hyperledger/acdp-framework-go/pkg/doc/credential"
	"github.com/hyperledger/acdp-framework-go/pkg/doc/idjag"
	"github.com/hyperledger/acdp-framework-go/pkg/store/credstore"
	spi "github.com/hyperledger/acdp-framework-go/spi/storage"
)

var logger = log.New("acdp-framework/gateway")

// ErrInvalidRequest is returned for malformed issuance request bodies.
var ErrInvalidRequest = errors.New("invalid issuance request")

// ErrPolicyDenied is returned when a request violates gateway policy.
var ErrPolicyDenied = errors.New("request denied by policy")

// IssuanceRequest is the request body of the issuance contract.
type IssuanceRequest struct {
	AgentID        string         `json:"agent_id"`
	AgentPublicKey string         `json:"agent_public_key"` // hex, 32 bytes
	CredentialType string         `json:"credential_type"`
	Capabilities   CapabilitySpec `json:"capabilities"`
	DurationDays   int            `json:"duration_days"`
}

// CapabilitySpec describes requested capabilities.
type CapabilitySpec struct {
	RateLimit RateLimitSpec  `json:"rate_limit"`
	Tools     ToolAccessSpec `json:"mcp_tools"`
}

// RateLimitSpec describes the requested rate limit. Window accepts Go
// duration strings plus a "d" suffix for days; empty uses the configured
// default.
type RateLimitSpec struct {
	MaxPresentations uint64 `json:"max_presentations"`
	Window           string `json:"window,omitempty"`
}

// ToolAccessSpec lists allowed and denied tool patterns.
type ToolAccessSpec struct {
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied,omitempty"`
}

// RateLimitState reports the limit of a freshly issued credential.
type RateLimitState struct {
	MaxPresentations       uint64 `json:"max_presentations"`
	PresentationsRemaining uint64 `json:"presentations_remaining"`
}

// ARCClientState is the client-held secret of an issued ARC credential. The
// gateway returns it once, to the requesting client, and never stores it.
type ARCClientState struct {
	M1 string `json:"m1"` // hex-encoded scalar
}

// IssuanceResponse is the issuance contract output.
type IssuanceResponse struct {
	Credential     *credential.Credential `json:"credential"`
	CredentialID   uuid.UUID              `json:"credential_id"`
	ExpiresAt      time.Time              `json:"expires_at"`
	RateLimit      RateLimitState         `json:"rate_limit_state"`
	ARCClientState *ARCClientState        `json:"arc_client_state,omitempty"`
}

// Option configures a Gateway.
type Option func(*options)

type options struct {
	provider   spi.Provider
	resolver   idjag.KeyResolver
	httpClient *http.Client
	now        func() time.Time
}

// WithStorageProvider sets the storage provider. The default is in-memory.
func WithStorageProvider(provider spi.Provider) Option {
	return func(o *options) { o.provider = provider }
}

// WithKeyResolver sets the IdP key resolver, replacing JWKS discovery.
func WithKeyResolver(resolver idjag.KeyResolver) Option {
	return func(o *options) { o.resolver = resolver }
}

// WithHTTPClient sets the HTTP client used for JWKS discovery.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Gateway issues, revokes and delegates ACDP credentials. The signing key and
// ARC issuer key are read-only after construction; Close zeroizes them.
type Gateway struct {
	cfg Config

	signPriv ed25519.PrivateKey
	signPub  ed25519.PublicKey

	arcKey *arc.ServerPrivateKey
	arcPub *arc.ServerPublicKey

	store     *credstore.Store
	validator *idjag.Validator
	now       func() time.Time
}

// New creates a Gateway from the given configuration.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := &options{now: time.Now}

	for _, opt := range opts {
		opt(o)
	}

	if o.provider == nil {
		o.provider = mem.NewProvider()
	}

	if o.resolver == nil {
		if cfg.IDPBaseURL == "" {
			return nil, fmt.Errorf("either idp_base_url or a key resolver is required")
		}

		o.resolver = idjag.NewJWKSResolver(cfg.IDPBaseURL, o.httpClient, cfg.IDPJWKSRefresh)
	}

	signPriv, signPub, err := loadSigningKey(cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	store, err := credstore.Open(o.provider)
	if err != nil {
		return nil, err
	}

	arcKey := arc.NewServerPrivateKey()

	g := &Gateway{
		cfg:       cfg,
		signPriv:  signPriv,
		signPub:   signPub,
		arcKey:    arcKey,
		arcPub:    arcKey.PublicKey(),
		store:     store,
		validator: idjag.NewValidator(o.resolver, 0),
		now:       o.now,
	}

	logger.Infof("gateway initialized for issuer %s", cfg.GatewayIssuerURL)

	return g, nil
}

func loadSigningKey(hexSeed string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if hexSeed == "" {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("generate signing key: %w", err)
		}

		return priv, pub, nil
	}

	seed, err := hex.DecodeString(hexSeed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("signing_key must be %d hex-encoded bytes", ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)

	return priv, priv.Public().(ed25519.PublicKey), nil
}

// PublicKey returns the issuer's Ed25519 verification key.
func (g *Gateway) PublicKey() ed25519.PublicKey {
	return g.signPub
}

// ARCServerKey returns the issuer's ARC key for verification wiring. The
// returned handle must be treated as read-only.
func (g *Gateway) ARCServerKey() *arc.ServerPrivateKey {
	return g.arcKey
}

// ARCPublicKey returns the published ARC issuer key.
func (g *Gateway) ARCPublicKey() *arc.ServerPublicKey {
	return g.arcPub
}

// Store returns the credential store.
func (g *Gateway) Store() *credstore.Store {
	return g.store
}

// IssuerURL returns the configured gateway issuer URL.
func (g *Gateway) IssuerURL() string {
	return g.cfg.GatewayIssuerURL
}

// Config returns the gateway configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Close zeroizes the issuer key material.
func (g *Gateway) Close() error {
	g.arcKey.Zeroize()

	for i := range g.signPriv {
		g.signPriv[i] = 0
	}

	return nil
}

// IssueCredential validates the bearer ID-JAG and the request body, builds
// the requested credential variant, signs it where the variant requires, and
// persists the record.
func (g *Gateway) IssueCredential(ctx context.Context, rawIDJAG string,
	req *IssuanceRequest) (*IssuanceResponse, error) {
	now := g.now().UTC().Truncate(time.Second)

	claims, err := g.validator.Validate(ctx, rawIDJAG, g.cfg.GatewayIssuerURL, now)
	if err != nil {
		return nil, err
	}

	credType, caps, window, err := g.validateRequest(req)
	if err != nil {
		return nil, err
	}

	credentialID := uuid.New()
	expiresAt := now.Add(time.Duration(req.DurationDays) * 24 * time.Hour)

	cred := &credential.Credential{
		Version:         credential.Version,
		CredentialID:    credentialID,
		Type:            credType,
		IssuedAt:        now,
		ExpiresAt:       expiresAt,
		Capabilities:    caps,
		DelegationChain: credential.Chain{},
	}

	var clientState *ARCClientState

	if cred.HasIdentity() {
		cred.Principal = &credential.Principal{
			Subject:  claims.Subject,
			Issuer:   claims.Issuer,
			ClientID: claims.ClientID,
		}
		cred.Agent = &credential.Agent{
			AgentID:   req.AgentID,
			PublicKey: req.AgentPublicKey,
			AgentType: "mcp-client",
		}
		cred.Delegation = credential.AllowDelegation(g.cfg.MaxDelegationDepthDefault)
	}

	if cred.HasARC() {
		arcInfo, secrets, err := g.issueARC()
		if err != nil {
			return nil, err
		}

		cred.ARC = arcInfo

		m1, err := arc.MarshalScalar(secrets.M1)
		if err != nil {
			return nil, fmt.Errorf("encode client state: %w", err)
		}

		clientState = &ARCClientState{M1: hex.EncodeToString(m1)}

		secrets.Zeroize()
	}

	if cred.HasIdentity() {
		if err := cred.Sign(g.signPriv); err != nil {
			return nil, fmt.Errorf("sign credential: %w", err)
		}
	}

	if err := cred.Validate(); err != nil {
		return nil, fmt.Errorf("issued credential invalid: %w", err)
	}

	if err := g.storeCredential(ctx, cred, window, now, nil); err != nil {
		return nil, err
	}

	logger.Infof("issued %s credential %s to %s", cred.Type, credentialID, req.AgentID)

	return &IssuanceResponse{
		Credential:   cred,
		CredentialID: credentialID,
		ExpiresAt:    expiresAt,
		RateLimit: RateLimitState{
			MaxPresentations:       caps.RateLimit.MaxPresentations,
			PresentationsRemaining: caps.RateLimit.MaxPresentations,
		},
		ARCClientState: clientState,
	}, nil
}

// issueARC runs the full blinded issuance flow in-process: the client half
// (request, finalize) on behalf of the requester, the issuer half under the
// gateway's ARC key. Both zero-knowledge proofs are checked on the way.
func (g *Gateway) issueARC() (*credential.ARCInfo, *arc.ClientSecrets, error) {
	secrets := arc.NewClientSecrets()

	req, err := arc.NewCredentialRequest(secrets, g.arcPub)
	if err != nil {
		return nil, nil, fmt.Errorf("ARC request: %w", err)
	}

	resp, err := arc.Issue(req, g.arcKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ARC issuance: %w", err)
	}

	finalized, err := arc.FinalizeCredential(req, resp, secrets, g.arcPub)
	if err != nil {
		return nil, nil, fmt.Errorf("ARC finalize: %w", err)
	}

	commit, err := arc.MarshalElement(req.Commit)
	if err != nil {
		return nil, nil, fmt.Errorf("ARC finalize: %w", err)
	}

	info, err := credential.NewARCInfo(finalized, commit)
	if err != nil {
		return nil, nil, err
	}

	return info, secrets, nil
}

func (g *Gateway) validateRequest(req *IssuanceRequest) (credential.Type, credential.Capabilities,
	time.Duration, error) {
	var none credential.Capabilities

	if req == nil {
		return 0, none, 0, fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}

	if strings.TrimSpace(req.AgentID) == "" {
		return 0, none, 0, fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}

	if raw, err := hex.DecodeString(req.AgentPublicKey); err != nil || len(raw) != ed25519.PublicKeySize {
		return 0, none, 0, fmt.Errorf("%w: agent_public_key must be %d hex-encoded bytes",
			ErrInvalidRequest, ed25519.PublicKeySize)
	}

	credType, err := credential.ParseType(req.CredentialType)
	if err != nil {
		return 0, none, 0, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	if req.DurationDays < 1 || req.DurationDays > 365 {
		return 0, none, 0, fmt.Errorf("%w: duration_days must be in [1,365]", ErrInvalidRequest)
	}

	if req.Capabilities.RateLimit.MaxPresentations < 1 {
		return 0, none, 0, fmt.Errorf("%w: max_presentations must be at least 1", ErrInvalidRequest)
	}

	if len(req.Capabilities.Tools.Allowed) == 0 {
		return 0, none, 0, fmt.Errorf("%w: at least one allowed tool is required", ErrInvalidRequest)
	}

	window := g.cfg.RateLimitWindowDefault

	if req.Capabilities.RateLimit.Window != "" {
		window, err = parseWindow(req.Capabilities.RateLimit.Window)
		if err != nil {
			return 0, none, 0, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
	}

	caps := credential.Capabilities{
		AllowedTools: toolPatterns(req.Capabilities.Tools.Allowed),
		DeniedTools:  toolPatterns(req.Capabilities.Tools.Denied),
		RateLimit: credential.RateLimit{
			MaxPresentations: req.Capabilities.RateLimit.MaxPresentations,
			Window:           credential.Duration(window),
		},
	}

	return credType, caps, window, nil
}

func (g *Gateway) storeCredential(ctx context.Context, cred *credential.Credential,
	window time.Duration, now time.Time, parentID *uuid.UUID) error {
	data, err := cred.Bytes()
	if err != nil {
		return fmt.Errorf("serialize credential: %w", err)
	}

	rec := &credstore.Record{
		CredentialID:       cred.CredentialID,
		CredentialType:     cred.Type,
		AgentID:            agentIDOf(cred),
		CredentialData:     data,
		MaxPresentations:   cred.Capabilities.RateLimit.MaxPresentations,
		RateWindow:         window,
		IssuedAt:           cred.IssuedAt,
		ExpiresAt:          cred.ExpiresAt,
		ParentCredentialID: parentID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if cred.Principal != nil {
		rec.PrincipalSubject = cred.Principal.Subject
		rec.PrincipalIssuer = cred.Principal.Issuer
	}

	return g.store.Put(ctx, rec)
}

func agentIDOf(cred *credential.Credential) string {
	if cred.Agent != nil {
		return cred.Agent.AgentID
	}

	return ""
}

// Revoke marks a credential revoked. Revocation is terminal and idempotent.
func (g *Gateway) Revoke(ctx context.Context, id uuid.UUID, reason string) error {
	return g.store.Revoke(ctx, id, reason, g.now())
}

func toolPatterns(patterns []string) []credential.ToolPattern {
	out := make([]credential.ToolPattern, 0, len(patterns))

	for _, p := range patterns {
		out = append(out, credential.ToolPattern(p))
	}

	return out
}

// parseWindow parses a rate window: Go duration syntax plus an "Nd" day form.
func parseWindow(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid rate window %q", s)
		}

		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid rate window %q", s)
	}

	return d, nil
}
