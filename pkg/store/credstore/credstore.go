/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package credstore persists issued credentials and the presentation ledger.
// The ledger operations carry the protocol's transactional guarantees: the
// replay check and the presentation-count increment commit atomically, keyed
// by credential ID, so concurrent presentations cannot both succeed past the
// limit.
package credstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hyperledger/acdp-framework-go/component/log"
	"github.com/hyperledger/acdp-framework-go/pkg/doc/credential"
	spi "github.com/hyperledger/acdp-framework-go/spi/storage"
)

const (
	credentialStoreName = "acdp_credential"
	ledgerStoreName     = "acdp_presentation_ledger"

	tagAgentID   = "agentID"
	tagPrincipal = "principal"
	tagExpiresAt = "expiresAt"
	tagParentID  = "parentCredentialID"
)

var logger = log.New("acdp-framework/credstore")

// ErrNotFound is returned when a credential record does not exist.
var ErrNotFound = errors.New("credential not found")

// ErrRateLimitExceeded is returned when a presentation would exceed the
// credential's presentation limit.
var ErrRateLimitExceeded = errors.New("presentation limit exceeded")

// ErrReplayDetected is returned when a (nonce, context) pair has already been
// consumed for a credential within its rate window.
var ErrReplayDetected = errors.New("presentation replay detected")

// ErrRevoked is returned when an operation targets a revoked credential.
var ErrRevoked = errors.New("credential revoked")

// Record is the persisted credential row.
type Record struct {
	CredentialID       uuid.UUID       `json:"credential_id"`
	CredentialType     credential.Type `json:"credential_type"`
	PrincipalSubject   string          `json:"principal_subject,omitempty"`
	PrincipalIssuer    string          `json:"principal_issuer,omitempty"`
	AgentID            string          `json:"agent_id"`
	CredentialData     []byte          `json:"credential_data"` // canonical serialization
	MaxPresentations   uint64          `json:"max_presentations"`
	PresentationsUsed  uint64          `json:"presentations_used"`
	RateWindow         time.Duration   `json:"rate_window"`
	IssuedAt           time.Time       `json:"issued_at"`
	ExpiresAt          time.Time       `json:"expires_at"`
	ParentCredentialID *uuid.UUID      `json:"parent_credential_id,omitempty"`
	Revoked            bool            `json:"revoked"`
	RevokedAt          *time.Time      `json:"revoked_at,omitempty"`
	RevocationReason   string          `json:"revocation_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// PresentationsRemaining returns how many presentations the record has left.
func (r *Record) PresentationsRemaining() uint64 {
	if r.PresentationsUsed >= r.MaxPresentations {
		return 0
	}

	return r.MaxPresentations - r.PresentationsUsed
}

type ledgerEntry struct {
	CredentialID string    `json:"credential_id"`
	Nonce        uint64    `json:"nonce"`
	ContextHash  string    `json:"context_hash"`
	ConsumedAt   time.Time `json:"consumed_at"`
}

// Store persists credential records and the presentation ledger.
type Store struct {
	credentials spi.Store
	ledger      spi.Store

	// rowLocks serializes ledger transactions per credential ID, standing in
	// for the serializable row transaction a SQL implementation would use
	// (single conditional UPDATE plus unique-key insert).
	rowLocks sync.Map // uuid.UUID -> *sync.Mutex
}

// Open opens the credential and ledger stores on the given provider and
// configures the required indexes.
func Open(provider spi.Provider) (*Store, error) {
	credentials, err := provider.OpenStore(credentialStoreName)
	if err != nil {
		return nil, errors.Wrap(err, "open credential store")
	}

	err = provider.SetStoreConfig(credentialStoreName, spi.StoreConfiguration{
		TagNames: []string{tagAgentID, tagPrincipal, tagExpiresAt, tagParentID},
	})
	if err != nil {
		return nil, errors.Wrap(err, "configure credential store")
	}

	ledger, err := provider.OpenStore(ledgerStoreName)
	if err != nil {
		return nil, errors.Wrap(err, "open presentation ledger")
	}

	return &Store{credentials: credentials, ledger: ledger}, nil
}

// Put stores a credential record.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal credential record")
	}

	tags := []spi.Tag{
		{Name: tagAgentID, Value: sanitizeTagValue(rec.AgentID)},
		{Name: tagExpiresAt, Value: fmt.Sprintf("%d", rec.ExpiresAt.Unix())},
	}

	if rec.PrincipalSubject != "" {
		tags = append(tags, spi.Tag{
			Name:  tagPrincipal,
			Value: principalTagValue(rec.PrincipalSubject, rec.PrincipalIssuer),
		})
	}

	if rec.ParentCredentialID != nil {
		tags = append(tags, spi.Tag{Name: tagParentID, Value: rec.ParentCredentialID.String()})
	}

	if err := s.credentials.Put(rec.CredentialID.String(), raw, tags...); err != nil {
		return errors.Wrap(err, "store credential record")
	}

	return nil
}

// Get retrieves a credential record by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := s.credentials.Get(id.String())
	if err != nil {
		if errors.Is(err, spi.ErrDataNotFound) {
			return nil, ErrNotFound
		}

		return nil, errors.Wrap(err, "get credential record")
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal credential record")
	}

	return &rec, nil
}

// QueryByAgent returns all records issued to the given agent.
func (s *Store) QueryByAgent(ctx context.Context, agentID string) ([]*Record, error) {
	return s.query(ctx, tagAgentID+":"+sanitizeTagValue(agentID))
}

// QueryByPrincipal returns all records bound to the given principal.
func (s *Store) QueryByPrincipal(ctx context.Context, subject, issuer string) ([]*Record, error) {
	return s.query(ctx, tagPrincipal+":"+principalTagValue(subject, issuer))
}

// QueryByParent returns all records delegated from the given parent.
func (s *Store) QueryByParent(ctx context.Context, parentID uuid.UUID) ([]*Record, error) {
	return s.query(ctx, tagParentID+":"+parentID.String())
}

func (s *Store) query(ctx context.Context, expression string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	it, err := s.credentials.Query(expression)
	if err != nil {
		return nil, errors.Wrap(err, "query credential records")
	}

	defer it.Close() //nolint:errcheck // read-only iterator

	var records []*Record

	for {
		more, err := it.Next()
		if err != nil {
			return nil, errors.Wrap(err, "iterate credential records")
		}

		if !more {
			break
		}

		raw, err := it.Value()
		if err != nil {
			return nil, errors.Wrap(err, "read credential record")
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, errors.Wrap(err, "unmarshal credential record")
		}

		records = append(records, &rec)
	}

	return records, nil
}

// Revoke marks a credential revoked. Revocation is terminal and idempotent:
// revoking an already revoked credential succeeds without changing the
// recorded reason or timestamp.
func (s *Store) Revoke(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.Revoked {
		return nil
	}

	at = at.UTC()
	rec.Revoked = true
	rec.RevokedAt = &at
	rec.RevocationReason = reason
	rec.UpdatedAt = at

	if err := s.Put(ctx, rec); err != nil {
		return err
	}

	logger.Infof("credential %s revoked: %s", id, reason)

	return nil
}

// ConsumePresentation atomically checks the (nonce, contextHash) pair for
// replay, enforces the presentation limit and increments the counter. Exactly
// one of two racing calls with the same pair succeeds. On cancellation before
// commit, no state changes.
func (s *Store) ConsumePresentation(ctx context.Context, id uuid.UUID, nonce uint64,
	contextHash []byte, now time.Time) (uint64, error) {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	if rec.Revoked {
		return 0, ErrRevoked
	}

	ledgerKey := fmt.Sprintf("%s:%d:%s", id, nonce, hex.EncodeToString(contextHash))

	if raw, getErr := s.ledger.Get(ledgerKey); getErr == nil {
		var existing ledgerEntry
		if err := json.Unmarshal(raw, &existing); err != nil {
			return 0, errors.Wrap(err, "unmarshal ledger entry")
		}

		if rec.RateWindow <= 0 || now.Sub(existing.ConsumedAt) < rec.RateWindow {
			return 0, ErrReplayDetected
		}
	} else if !errors.Is(getErr, spi.ErrDataNotFound) {
		return 0, errors.Wrap(getErr, "read presentation ledger")
	}

	if rec.PresentationsUsed >= rec.MaxPresentations {
		return 0, ErrRateLimitExceeded
	}

	// Last cancellation point before the commit; past here the pair of writes
	// either both apply or the ledger write is rolled back.
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	entry, err := json.Marshal(ledgerEntry{
		CredentialID: id.String(),
		Nonce:        nonce,
		ContextHash:  hex.EncodeToString(contextHash),
		ConsumedAt:   now.UTC(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "marshal ledger entry")
	}

	if err := s.ledger.Put(ledgerKey, entry, spi.Tag{Name: tagLedgerCredential, Value: id.String()}); err != nil {
		return 0, errors.Wrap(err, "write presentation ledger")
	}

	rec.PresentationsUsed++
	rec.UpdatedAt = now.UTC()

	if err := s.Put(ctx, rec); err != nil {
		if delErr := s.ledger.Delete(ledgerKey); delErr != nil {
			logger.Errorf("ledger rollback for %s failed: %v", ledgerKey, delErr)
		}

		return 0, err
	}

	return rec.PresentationsRemaining(), nil
}

const tagLedgerCredential = "credentialID"

// PruneLedger deletes ledger entries consumed before the cutoff. The caller
// chooses the cutoff; the store does not read presentation_ledger_retention.
func (s *Store) PruneLedger(ctx context.Context, cutoff time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	it, err := s.ledger.Query(tagLedgerCredential)
	if err != nil {
		return errors.Wrap(err, "query presentation ledger")
	}

	defer it.Close() //nolint:errcheck // read-only iterator

	var stale []string

	for {
		more, err := it.Next()
		if err != nil {
			return errors.Wrap(err, "iterate presentation ledger")
		}

		if !more {
			break
		}

		raw, err := it.Value()
		if err != nil {
			return errors.Wrap(err, "read ledger entry")
		}

		var entry ledgerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return errors.Wrap(err, "unmarshal ledger entry")
		}

		if entry.ConsumedAt.Before(cutoff) {
			key, err := it.Key()
			if err != nil {
				return errors.Wrap(err, "read ledger key")
			}

			stale = append(stale, key)
		}
	}

	for _, key := range stale {
		if err := s.ledger.Delete(key); err != nil {
			return errors.Wrap(err, "prune ledger entry")
		}
	}

	if len(stale) > 0 {
		logger.Debugf("pruned %d ledger entries before %s", len(stale), cutoff)
	}

	return nil
}

// DeleteExpired removes credential records whose expiry plus retention is in
// the past.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, retention time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	it, err := s.credentials.Query(tagAgentID)
	if err != nil {
		return errors.Wrap(err, "query credential records")
	}

	defer it.Close() //nolint:errcheck // read-only iterator

	var stale []string

	for {
		more, err := it.Next()
		if err != nil {
			return errors.Wrap(err, "iterate credential records")
		}

		if !more {
			break
		}

		raw, err := it.Value()
		if err != nil {
			return errors.Wrap(err, "read credential record")
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errors.Wrap(err, "unmarshal credential record")
		}

		if now.After(rec.ExpiresAt.Add(retention)) {
			stale = append(stale, rec.CredentialID.String())
		}
	}

	for _, key := range stale {
		if err := s.credentials.Delete(key); err != nil {
			return errors.Wrap(err, "delete expired credential")
		}
	}

	return nil
}

func (s *Store) rowLock(id uuid.UUID) *sync.Mutex {
	lock, _ := s.rowLocks.LoadOrStore(id, &sync.Mutex{})

	return lock.(*sync.Mutex)
}

func principalTagValue(subject, issuer string) string {
	// Tag values cannot contain ':' characters, which issuer URLs do.
	return sanitizeTagValue(subject) + "|" + sanitizeTagValue(issuer)
}

func sanitizeTagValue(v string) string {
	out := make([]rune, 0, len(v))

	for _, r := range v {
		if r == ':' {
			r = '_'
		}

		out = append(out, r)
	}

	return string(out)
}
