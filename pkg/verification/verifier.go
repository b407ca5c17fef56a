/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package verification implements the end-to-end credential verification
// orchestrator: issuer signature, ARC presentation proof, replay and
// rate-limit accounting, delegation-chain walk, and lifetime checks.
package verification

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/hyperledger/acdp-framework-go/component/log"
	"github.com/hyperledger/acdp-framework-go/pkg/crypto/primitive/arc"
	"github.com/hyperledger/acdp-framework-go/pkg/doc/credential"
	"github.com/hyperledger/acdp-framework-go/pkg/store/credstore"
)

var logger = log.New("acdp-framework/verification")

// Verification failure taxonomy. Crypto sub-failures (MAC, proof, signature,
// malformed encodings) collapse to ErrCrypto; the specific cause is logged at
// debug level only.
var (
	ErrInvalidRequest    = errors.New("invalid verification request")
	ErrCrypto            = errors.New("cryptographic verification failed")
	ErrExpired           = errors.New("credential expired")
	ErrRevoked           = credstore.ErrRevoked
	ErrRateLimitExceeded = credstore.ErrRateLimitExceeded
	ErrReplayDetected    = credstore.ErrReplayDetected
	ErrDelegationInvalid = errors.New("delegation chain invalid")
	ErrStore             = errors.New("store failure")
	ErrTimeout           = errors.New("verification timed out")
)

// Request is the verification contract input.
type Request struct {
	CredentialID        uuid.UUID `json:"credential_id"`
	PresentationContext string    `json:"presentation_context"`
	Nonce               uint64    `json:"nonce"`
	Credential          []byte    `json:"credential"`                 // canonical serialization
	ARCPresentation     []byte    `json:"arc_presentation,omitempty"` // required for ARC variants
}

// Result is the verification contract output.
type Result struct {
	Valid                  bool                  `json:"valid"`
	Principal              *credential.Principal `json:"principal,omitempty"`
	AgentID                string                `json:"agent_id,omitempty"`
	PresentationsRemaining uint64                `json:"presentations_remaining"`
	DelegationChainAudit   []string              `json:"delegation_chain_audit"`
	FailureReason          string                `json:"failure_reason,omitempty"`
	VerifiedAt             time.Time             `json:"verified_at"`
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithSignatureCacheTTL sets how long a credential's signature check is
// cached. Zero disables the cache.
func WithSignatureCacheTTL(ttl time.Duration) Option {
	return func(v *Verifier) { v.cacheTTL = ttl }
}

// Verifier verifies credential presentations against the store.
type Verifier struct {
	store     *credstore.Store
	issuerPub ed25519.PublicKey
	arcKey    *arc.ServerPrivateKey

	sigCache gcache.Cache
	cacheTTL time.Duration
	now      func() time.Time
}

// New creates a Verifier.
func New(store *credstore.Store, issuerPub ed25519.PublicKey, arcKey *arc.ServerPrivateKey,
	opts ...Option) *Verifier {
	v := &Verifier{
		store:     store,
		issuerPub: issuerPub,
		arcKey:    arcKey,
		cacheTTL:  time.Minute,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	v.sigCache = gcache.New(1024).LRU().Build()

	return v
}

// Verify runs the verification pipeline in fixed order: issuer signature,
// presentation proof, lifetime and revocation, delegation-chain walk, then
// the atomic replay-and-rate-limit ledger transaction. The counter is only
// touched once everything before it has passed, so failed verifications never
// consume presentations.
//
// The returned Result always describes the outcome; the error carries the
// failure kind for errors.Is dispatch.
func (v *Verifier) Verify(ctx context.Context, req *Request) (*Result, error) {
	now := v.now().UTC()

	cred, pres, err := v.checkStateless(req)
	if err != nil {
		return v.failure(now, err), err
	}

	rec, err := v.fetchRecord(ctx, req.CredentialID)
	if err != nil {
		err = v.mapStoreErr(ctx, err)
		return v.failure(now, err), err
	}

	if rec.Revoked {
		return v.failure(now, ErrRevoked), ErrRevoked
	}

	if cred.IsExpired(now) {
		return v.failure(now, ErrExpired), ErrExpired
	}

	if err := v.walkChain(cred); err != nil {
		return v.failure(now, err), err
	}

	contextHash := arc.ContextHash(req.CredentialID[:], []byte(req.PresentationContext))

	remaining, err := v.store.ConsumePresentation(ctx, req.CredentialID, req.Nonce, contextHash, now)
	if err != nil {
		err = v.mapStoreErr(ctx, err)
		return v.failure(now, err), err
	}

	result := &Result{
		Valid:                  true,
		PresentationsRemaining: remaining,
		DelegationChainAudit:   cred.DelegationChain.AuditTrail(),
		VerifiedAt:             now,
	}

	// Hybrid credentials hide principal and agent from relying parties; only
	// identity-bound verifications reveal them.
	if cred.Type == credential.TypeIdentityBound {
		result.Principal = cred.Principal
		result.AgentID = cred.Agent.AgentID

		if pres == nil {
			// Identity-bound flows carry no ARC presentation; the spent nonce
			// still scopes replay detection through the ledger.
			logger.Debugf("identity-bound verification for %s consumed nonce %d",
				req.CredentialID, req.Nonce)
		}
	}

	return result, nil
}

// checkStateless runs the checks that touch no mutable state: canonical
// parsing, issuer signature, and the ARC presentation proof.
func (v *Verifier) checkStateless(req *Request) (*credential.Credential,
	*arc.Presentation, error) {
	if req == nil || len(req.Credential) == 0 {
		return nil, nil, fmt.Errorf("%w: missing credential", ErrInvalidRequest)
	}

	cred, err := credential.Parse(req.Credential)
	if err != nil {
		logger.Debugf("credential parse failed: %v", err)
		return nil, nil, ErrCrypto
	}

	if cred.CredentialID != req.CredentialID {
		return nil, nil, fmt.Errorf("%w: credential ID mismatch", ErrInvalidRequest)
	}

	if err := v.verifySignatureCached(cred, req.Credential); err != nil {
		logger.Debugf("issuer signature check failed for %s: %v", cred.CredentialID, err)
		return nil, nil, ErrCrypto
	}

	var pres *arc.Presentation

	if cred.HasARC() {
		if len(req.ARCPresentation) == 0 {
			return nil, nil, fmt.Errorf("%w: ARC credential requires a presentation", ErrInvalidRequest)
		}

		pres, err = arc.ParsePresentation(req.ARCPresentation)
		if err != nil {
			logger.Debugf("presentation parse failed for %s: %v", cred.CredentialID, err)
			return nil, nil, ErrCrypto
		}

		if pres.Nonce != req.Nonce {
			return nil, nil, fmt.Errorf("%w: nonce mismatch", ErrInvalidRequest)
		}

		err = arc.VerifyPresentation(v.arcKey, pres, req.CredentialID[:],
			[]byte(req.PresentationContext), cred.Capabilities.RateLimit.MaxPresentations)
		if err != nil {
			logger.Debugf("presentation proof failed for %s: %v", cred.CredentialID, err)
			return nil, nil, ErrCrypto
		}
	} else if req.Nonce >= cred.Capabilities.RateLimit.MaxPresentations {
		return nil, nil, fmt.Errorf("%w: nonce out of range", ErrInvalidRequest)
	}

	return cred, pres, nil
}

// verifySignatureCached checks the issuer signature, caching positive results
// by credential digest. Ledger outcomes are never cached.
func (v *Verifier) verifySignatureCached(cred *credential.Credential, raw []byte) error {
	if v.cacheTTL <= 0 {
		return cred.VerifySignature(v.issuerPub)
	}

	digest := sha256.Sum256(raw)
	key := hex.EncodeToString(digest[:])

	if _, err := v.sigCache.Get(key); err == nil {
		return nil
	}

	if err := cred.VerifySignature(v.issuerPub); err != nil {
		return err
	}

	if err := v.sigCache.SetWithExpire(key, struct{}{}, v.cacheTTL); err != nil {
		logger.Warnf("signature cache set failed: %v", err)
	}

	return nil
}

// walkChain verifies every chain entry signature, delegator/delegatee
// continuity and monotone capability reduction down to the credential itself.
func (v *Verifier) walkChain(cred *credential.Credential) error {
	chain := cred.DelegationChain

	for i := range chain {
		if err := chain[i].Verify(); err != nil {
			logger.Debugf("chain entry %d signature failed for %s", i, cred.CredentialID)
			return ErrDelegationInvalid
		}

		if i > 0 {
			if chain[i].DelegatorAgentID != chain[i-1].DelegateeAgentID {
				return fmt.Errorf("%w: chain entry %d breaks continuity", ErrDelegationInvalid, i)
			}

			if !chain[i].Capabilities.IsSubsetOf(&chain[i-1].Capabilities) {
				return fmt.Errorf("%w: chain entry %d escalates capabilities", ErrDelegationInvalid, i)
			}
		}
	}

	if len(chain) > 0 {
		last := chain[len(chain)-1]

		if cred.Agent != nil && cred.Agent.AgentID != last.DelegateeAgentID {
			return fmt.Errorf("%w: credential agent is not the final delegatee", ErrDelegationInvalid)
		}

		if !cred.Capabilities.IsSubsetOf(&last.Capabilities) {
			return fmt.Errorf("%w: credential capabilities exceed chain snapshot", ErrDelegationInvalid)
		}
	}

	return nil
}

// fetchRecord reads the credential record with bounded exponential backoff.
// Not-found is permanent; replay and rate-limit outcomes never pass through
// here.
func (v *Verifier) fetchRecord(ctx context.Context, id uuid.UUID) (*credstore.Record, error) {
	var rec *credstore.Record

	operation := func() error {
		var err error

		rec, err = v.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, credstore.ErrNotFound) || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}

			return err
		}

		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	return rec, nil
}

func (v *Verifier) mapStoreErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, credstore.ErrNotFound):
		return fmt.Errorf("%w: unknown credential", ErrInvalidRequest)
	case errors.Is(err, credstore.ErrReplayDetected),
		errors.Is(err, credstore.ErrRateLimitExceeded),
		errors.Is(err, credstore.ErrRevoked):
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		logger.Errorf("store failure during verification: %v", err)
		return fmt.Errorf("%w: %s", ErrStore, err)
	}
}

func (v *Verifier) failure(now time.Time, err error) *Result {
	return &Result{
		Valid:                false,
		DelegationChainAudit: []string{},
		FailureReason:        failureReason(err),
		VerifiedAt:           now,
	}
}

func failureReason(err error) string {
	for _, kind := range []error{
		ErrInvalidRequest, ErrCrypto, ErrExpired, ErrRevoked, ErrRateLimitExceeded,
		ErrReplayDetected, ErrDelegationInvalid, ErrTimeout, ErrStore,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}

	return "verification failed"
}
