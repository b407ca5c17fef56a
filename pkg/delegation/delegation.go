/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package delegation implements the delegation engine: capability reduction,
// chain signing and child-credential issuance.
package delegation

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperledger/acdp-framework-go/component/log"
	"github.com/hyperledger/acdp-framework-go/pkg/crypto/primitive/arc"
	"github.com/hyperledger/acdp-framework-go/pkg/doc/credential"
	"github.com/hyperledger/acdp-framework-go/pkg/store/credstore"
)

var logger = log.New("acdp-framework/delegation")

// Delegation failure taxonomy.
var (
	ErrNotPermitted         = errors.New("delegation not permitted")
	ErrCapabilityEscalation = errors.New("delegated capabilities escalate beyond parent")
	ErrChainTooDeep         = errors.New("delegation chain depth exhausted")
	ErrParentExpired        = errors.New("parent credential expired")
	ErrSignatureInvalid     = errors.New("delegation signature invalid")
)

// Request describes a delegation from a parent credential to a child agent.
// The new chain entry must be signed by the parent credential's bound agent
// key: either DelegatorKey is provided and the engine signs in-process, or
// PresignedSignature carries a signature the delegating agent produced over
// the entry's signing bytes (the REST path, where the gateway never sees the
// agent's private key).
type Request struct {
	ChildAgentID        string
	ChildAgentPublicKey string // hex, 32 bytes
	Capabilities        credential.Capabilities
	Duration            time.Duration

	DelegatorKey ed25519.PrivateKey

	// Timestamp and PresignedSignature are set together: the signature covers
	// the chain entry built with exactly this timestamp.
	Timestamp          time.Time
	PresignedSignature string // hex-encoded
}

// Response carries the delegated credential and, for ARC-carrying variants,
// the child's client-held secret.
type Response struct {
	Credential *credential.Credential
	ARCM1      string // hex-encoded scalar, empty for identity-bound parents
}

// Engine performs delegations against the credential store.
type Engine struct {
	store     *credstore.Store
	issuerPub ed25519.PublicKey
	signPriv  ed25519.PrivateKey
	arcKey    *arc.ServerPrivateKey
	arcPub    *arc.ServerPublicKey
	now       func() time.Time
}

// NewEngine creates a delegation engine. signPriv is the gateway issuer key
// used to sign the child credential; arcKey issues the child's fresh ARC
// credential for hybrid parents.
func NewEngine(store *credstore.Store, issuerPub ed25519.PublicKey, signPriv ed25519.PrivateKey,
	arcKey *arc.ServerPrivateKey, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}

	return &Engine{
		store:     store,
		issuerPub: issuerPub,
		signPriv:  signPriv,
		arcKey:    arcKey,
		arcPub:    arcKey.PublicKey(),
		now:       now,
	}
}

// Delegate verifies the parent, checks capability reduction, constructs the
// child credential with an extended signed chain, and persists it.
func (e *Engine) Delegate(ctx context.Context, parent *credential.Credential,
	req *Request) (*Response, error) {
	now := e.now().UTC().Truncate(time.Second)

	if !parent.HasIdentity() {
		return nil, fmt.Errorf("%w: anonymous credentials have no bound agent key", ErrNotPermitted)
	}

	if err := parent.VerifySignature(e.issuerPub); err != nil {
		return nil, ErrSignatureInvalid
	}

	rec, err := e.store.Get(ctx, parent.CredentialID)
	if err != nil {
		return nil, err
	}

	if rec.Revoked {
		return nil, fmt.Errorf("%w: parent revoked", ErrNotPermitted)
	}

	if parent.IsExpired(now) {
		return nil, ErrParentExpired
	}

	if !parent.Delegation.CanDelegate {
		return nil, ErrNotPermitted
	}

	if parent.Delegation.MaxDepth <= 0 {
		return nil, ErrChainTooDeep
	}

	if err := e.checkReduction(parent, rec, req); err != nil {
		return nil, err
	}

	delegatorKey, err := parent.Agent.SigningKey()
	if err != nil {
		return nil, ErrSignatureInvalid
	}

	if req.DelegatorKey != nil &&
		!delegatorKey.Equal(req.DelegatorKey.Public().(ed25519.PublicKey)) {
		return nil, fmt.Errorf("%w: delegator key does not match parent's bound agent key",
			ErrSignatureInvalid)
	}

	expiresAt := now.Add(req.Duration)
	if expiresAt.After(parent.ExpiresAt) {
		expiresAt = parent.ExpiresAt
	}

	child := &credential.Credential{
		Version:      credential.Version,
		CredentialID: uuid.New(),
		Type:         parent.Type,
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
		Principal:    parent.Principal,
		Agent: &credential.Agent{
			AgentID:   req.ChildAgentID,
			PublicKey: req.ChildAgentPublicKey,
			AgentType: "mcp-client",
		},
		Capabilities: req.Capabilities,
		Delegation: credential.DelegationRights{
			CanDelegate:         parent.Delegation.CanDelegate,
			MaxDepth:            parent.Delegation.MaxDepth - 1,
			AllowedCapabilities: parent.Delegation.AllowedCapabilities,
		},
	}

	entryTime := now
	if req.DelegatorKey == nil {
		entryTime = req.Timestamp.UTC().Truncate(time.Second)
	}

	entry := credential.ChainEntry{
		ParentCredentialID: parent.CredentialID,
		DelegatorAgentID:   parent.Agent.AgentID,
		DelegateeAgentID:   req.ChildAgentID,
		DelegatorPublicKey: parent.Agent.PublicKey,
		Timestamp:          entryTime,
		Capabilities:       req.Capabilities,
	}

	if req.DelegatorKey != nil {
		if err := entry.Sign(req.DelegatorKey); err != nil {
			return nil, fmt.Errorf("sign chain entry: %w", err)
		}
	} else {
		entry.Signature = req.PresignedSignature
		if err := entry.Verify(); err != nil {
			return nil, ErrSignatureInvalid
		}
	}

	child.DelegationChain = append(append(credential.Chain{}, parent.DelegationChain...), entry)

	if err := child.DelegationChain.Verify(); err != nil {
		return nil, ErrSignatureInvalid
	}

	resp := &Response{}

	if parent.HasARC() {
		arcInfo, m1, err := e.issueChildARC()
		if err != nil {
			return nil, err
		}

		child.ARC = arcInfo
		resp.ARCM1 = m1
	}

	if err := child.Sign(e.signPriv); err != nil {
		return nil, fmt.Errorf("sign child credential: %w", err)
	}

	if err := child.Validate(); err != nil {
		return nil, fmt.Errorf("delegated credential invalid: %w", err)
	}

	if err := e.storeChild(ctx, child, rec, now); err != nil {
		return nil, err
	}

	logger.Infof("delegated %s -> %s (depth %d remaining)", parent.Agent.AgentID,
		req.ChildAgentID, child.Delegation.MaxDepth)

	resp.Credential = child

	return resp, nil
}

func (e *Engine) checkReduction(parent *credential.Credential, rec *credstore.Record,
	req *Request) error {
	if !req.Capabilities.IsSubsetOf(&parent.Capabilities) {
		return ErrCapabilityEscalation
	}

	remaining := rec.PresentationsRemaining()
	if req.Capabilities.RateLimit.MaxPresentations > remaining {
		return fmt.Errorf("%w: %d presentations requested, parent has %d remaining",
			ErrCapabilityEscalation, req.Capabilities.RateLimit.MaxPresentations, remaining)
	}

	for _, allowed := range req.Capabilities.AllowedTools {
		if len(parent.Delegation.AllowedCapabilities) == 0 {
			continue
		}

		covered := false

		for _, p := range parent.Delegation.AllowedCapabilities {
			if allowed.IsSubsetOf(p) {
				covered = true
				break
			}
		}

		if !covered {
			return fmt.Errorf("%w: tool %q outside delegable capability set",
				ErrCapabilityEscalation, allowed)
		}
	}

	return nil
}

func (e *Engine) issueChildARC() (*credential.ARCInfo, string, error) {
	secrets := arc.NewClientSecrets()
	defer secrets.Zeroize()

	req, err := arc.NewCredentialRequest(secrets, e.arcPub)
	if err != nil {
		return nil, "", fmt.Errorf("child ARC request: %w", err)
	}

	resp, err := arc.Issue(req, e.arcKey)
	if err != nil {
		return nil, "", fmt.Errorf("child ARC issuance: %w", err)
	}

	finalized, err := arc.FinalizeCredential(req, resp, secrets, e.arcPub)
	if err != nil {
		return nil, "", fmt.Errorf("child ARC finalize: %w", err)
	}

	commit, err := arc.MarshalElement(req.Commit)
	if err != nil {
		return nil, "", fmt.Errorf("child ARC finalize: %w", err)
	}

	info, err := credential.NewARCInfo(finalized, commit)
	if err != nil {
		return nil, "", err
	}

	m1, err := arc.MarshalScalar(secrets.M1)
	if err != nil {
		return nil, "", fmt.Errorf("encode child ARC state: %w", err)
	}

	return info, hex.EncodeToString(m1), nil
}

func (e *Engine) storeChild(ctx context.Context, child *credential.Credential,
	parentRec *credstore.Record, now time.Time) error {
	data, err := child.Bytes()
	if err != nil {
		return fmt.Errorf("serialize delegated credential: %w", err)
	}

	parentID := parentRec.CredentialID

	rec := &credstore.Record{
		CredentialID:       child.CredentialID,
		CredentialType:     child.Type,
		AgentID:            child.Agent.AgentID,
		CredentialData:     data,
		MaxPresentations:   child.Capabilities.RateLimit.MaxPresentations,
		RateWindow:         parentRec.RateWindow,
		IssuedAt:           child.IssuedAt,
		ExpiresAt:          child.ExpiresAt,
		ParentCredentialID: &parentID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if child.Principal != nil {
		rec.PrincipalSubject = child.Principal.Subject
		rec.PrincipalIssuer = child.Principal.Issuer
	}

	return e.store.Put(ctx, rec)
}
