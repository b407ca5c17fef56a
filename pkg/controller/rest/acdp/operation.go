/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package acdp exposes the issuance, verification, delegation and revocation
// contracts over REST.
package acdp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/hyperledger/acdp-framework-go/component/log"
	"github.com/hyperledger/acdp-framework-go/pkg/delegation"
	"github.com/hyperledger/acdp-framework-go/pkg/doc/credential"
	"github.com/hyperledger/acdp-framework-go/pkg/doc/idjag"
	"github.com/hyperledger/acdp-framework-go/pkg/gateway"
	"github.com/hyperledger/acdp-framework-go/pkg/store/credstore"
	"github.com/hyperledger/acdp-framework-go/pkg/verification"
)

var logger = log.New("acdp-framework/rest")

const (
	issuePath    = "/credentials"
	verifyPath   = "/credentials/verify"
	delegatePath = "/credentials/delegate"
	revokePath   = "/credentials/{id}/revoke"
	healthPath   = "/health"

	requestTimeout = 30 * time.Second
)

// Operation wires the ACDP contracts into HTTP handlers.
type Operation struct {
	gateway   *gateway.Gateway
	verifier  *verification.Verifier
	delegator *delegation.Engine
}

// New creates the REST operation set for a gateway.
func New(gw *gateway.Gateway) *Operation {
	return &Operation{
		gateway:   gw,
		verifier:  gw.Verifier(),
		delegator: gw.Delegation(),
	}
}

// Router returns the HTTP handler serving all routes, CORS-wrapped.
func (o *Operation) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(issuePath, o.issue).Methods(http.MethodPost)
	r.HandleFunc(verifyPath, o.verify).Methods(http.MethodPost)
	r.HandleFunc(delegatePath, o.delegate).Methods(http.MethodPost)
	r.HandleFunc(revokePath, o.revoke).Methods(http.MethodPost)
	r.HandleFunc(healthPath, o.health).Methods(http.MethodGet)

	return cors.Default().Handler(r)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (o *Operation) issue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer ID-JAG token")
		return
	}

	var req gateway.IssuanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := o.gateway.IssueCredential(ctx, token, &req)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (o *Operation) verify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req verification.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := o.verifier.Verify(ctx, &req)
	if err != nil {
		writeJSON(w, statusForVerification(err), result)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// delegateRequest is the REST form of the delegation contract. The chain
// entry signature is produced by the delegating agent client-side over the
// entry signing bytes with the given timestamp.
type delegateRequest struct {
	ParentCredentialID  uuid.UUID              `json:"parent_credential_id"`
	ParentCredential    json.RawMessage        `json:"parent_credential"`
	ChildAgentID        string                 `json:"child_agent_id"`
	ChildAgentPublicKey string                 `json:"child_agent_public_key"`
	Capabilities        gateway.CapabilitySpec `json:"capabilities"`
	DurationDays        int                    `json:"duration_days"`
	Timestamp           time.Time              `json:"timestamp"`
	Signature           string                 `json:"signature"`
}

type delegateResponse struct {
	Credential     *credential.Credential  `json:"credential"`
	CredentialID   uuid.UUID               `json:"credential_id"`
	ARCClientState *gateway.ARCClientState `json:"arc_client_state,omitempty"`
}

func (o *Operation) delegate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	parent, err := credential.Parse(req.ParentCredential)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed parent credential")
		return
	}

	if parent.CredentialID != req.ParentCredentialID {
		writeError(w, http.StatusBadRequest, "parent credential ID mismatch")
		return
	}

	if req.DurationDays < 1 || req.DurationDays > 365 {
		writeError(w, http.StatusBadRequest, "duration_days must be in [1,365]")
		return
	}

	caps, err := capabilitiesFromSpec(req.Capabilities)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := o.delegator.Delegate(ctx, parent, &delegation.Request{
		ChildAgentID:        req.ChildAgentID,
		ChildAgentPublicKey: req.ChildAgentPublicKey,
		Capabilities:        caps,
		Duration:            time.Duration(req.DurationDays) * 24 * time.Hour,
		Timestamp:           req.Timestamp,
		PresignedSignature:  req.Signature,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	out := &delegateResponse{
		Credential:   resp.Credential,
		CredentialID: resp.Credential.CredentialID,
	}

	if resp.ARCM1 != "" {
		out.ARCClientState = &gateway.ARCClientState{M1: resp.ARCM1}
	}

	writeJSON(w, http.StatusCreated, out)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (o *Operation) revoke(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed credential ID")
		return
	}

	var req revokeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // reason is optional
	}

	if err := o.gateway.Revoke(ctx, id, req.Reason); err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": true, "credential_id": id})
}

func (o *Operation) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}

	return strings.TrimSpace(auth[len(prefix):])
}

func capabilitiesFromSpec(spec gateway.CapabilitySpec) (credential.Capabilities, error) {
	if spec.RateLimit.MaxPresentations < 1 {
		return credential.Capabilities{}, errors.New("max_presentations must be at least 1")
	}

	if len(spec.Tools.Allowed) == 0 {
		return credential.Capabilities{}, errors.New("at least one allowed tool is required")
	}

	allowed := make([]credential.ToolPattern, 0, len(spec.Tools.Allowed))
	for _, p := range spec.Tools.Allowed {
		allowed = append(allowed, credential.ToolPattern(p))
	}

	denied := make([]credential.ToolPattern, 0, len(spec.Tools.Denied))
	for _, p := range spec.Tools.Denied {
		denied = append(denied, credential.ToolPattern(p))
	}

	window := 24 * time.Hour
	if spec.RateLimit.Window != "" {
		parsed, err := time.ParseDuration(spec.RateLimit.Window)
		if err == nil && parsed > 0 {
			window = parsed
		}
	}

	return credential.Capabilities{
		AllowedTools: allowed,
		DeniedTools:  denied,
		RateLimit: credential.RateLimit{
			MaxPresentations: spec.RateLimit.MaxPresentations,
			Window:           credential.Duration(window),
		},
	}, nil
}

func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, idjag.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, gateway.ErrInvalidRequest), errors.Is(err, verification.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrPolicyDenied),
		errors.Is(err, delegation.ErrNotPermitted),
		errors.Is(err, delegation.ErrCapabilityEscalation),
		errors.Is(err, delegation.ErrChainTooDeep),
		errors.Is(err, delegation.ErrParentExpired),
		errors.Is(err, delegation.ErrSignatureInvalid):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, credstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, verification.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		logger.Errorf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func statusForVerification(err error) int {
	switch {
	case errors.Is(err, verification.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, verification.ErrReplayDetected):
		return http.StatusConflict
	case errors.Is(err, verification.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, verification.ErrCrypto),
		errors.Is(err, verification.ErrExpired),
		errors.Is(err, verification.ErrRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, verification.ErrDelegationInvalid):
		return http.StatusForbidden
	case errors.Is(err, verification.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
