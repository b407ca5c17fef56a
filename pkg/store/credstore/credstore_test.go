/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package credstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger/acdp-framework-go/component/storageutil/mem"
	"github.com/hyperledger/acdp-framework-go/pkg/doc/credential"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(mem.NewProvider())
	require.NoError(t, err)

	return s
}

func testRecord(maxPresentations uint64) *Record {
	now := time.Now().UTC().Truncate(time.Second)

	return &Record{
		CredentialID:     uuid.New(),
		CredentialType:   credential.TypeIdentityBound,
		PrincipalSubject: "alice@acme.example",
		PrincipalIssuer:  "https://idp.acme.example",
		AgentID:          "agent://assistant",
		CredentialData:   []byte(`{"version":"0.3"}`),
		MaxPresentations: maxPresentations,
		RateWindow:       24 * time.Hour,
		IssuedAt:         now,
		ExpiresAt:        now.Add(24 * time.Hour),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestPutGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(3)
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, rec.CredentialID)
	require.NoError(t, err)
	require.Equal(t, rec.CredentialID, got.CredentialID)
	require.Equal(t, rec.AgentID, got.AgentID)
	require.Equal(t, uint64(3), got.MaxPresentations)

	_, err = s.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	parent := testRecord(3)
	require.NoError(t, s.Put(ctx, parent))

	child := testRecord(2)
	child.AgentID = "agent://child"
	child.ParentCredentialID = &parent.CredentialID
	require.NoError(t, s.Put(ctx, child))

	byAgent, err := s.QueryByAgent(ctx, "agent://assistant")
	require.NoError(t, err)
	require.Len(t, byAgent, 1)

	byPrincipal, err := s.QueryByPrincipal(ctx, "alice@acme.example", "https://idp.acme.example")
	require.NoError(t, err)
	require.Len(t, byPrincipal, 2)

	byParent, err := s.QueryByParent(ctx, parent.CredentialID)
	require.NoError(t, err)
	require.Len(t, byParent, 1)
	require.Equal(t, child.CredentialID, byParent[0].CredentialID)
}

func TestConsumePresentationRateLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(3)
	require.NoError(t, s.Put(ctx, rec))

	now := time.Now().UTC()

	for i, wantRemaining := range []uint64{2, 1, 0} {
		remaining, err := s.ConsumePresentation(ctx, rec.CredentialID, uint64(i),
			[]byte{byte(i)}, now)
		require.NoError(t, err)
		require.Equal(t, wantRemaining, remaining)
	}

	_, err := s.ConsumePresentation(ctx, rec.CredentialID, 9, []byte{9}, now)
	require.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestConsumePresentationReplay(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(10)
	require.NoError(t, s.Put(ctx, rec))

	now := time.Now().UTC()
	contextHash := []byte("ctxA-hash")

	_, err := s.ConsumePresentation(ctx, rec.CredentialID, 7, contextHash, now)
	require.NoError(t, err)

	_, err = s.ConsumePresentation(ctx, rec.CredentialID, 7, contextHash, now)
	require.ErrorIs(t, err, ErrReplayDetected)

	// Same nonce in a different context is fine.
	_, err = s.ConsumePresentation(ctx, rec.CredentialID, 7, []byte("ctxB-hash"), now)
	require.NoError(t, err)

	// Outside the rate window the pair may be consumed again.
	_, err = s.ConsumePresentation(ctx, rec.CredentialID, 7, contextHash, now.Add(25*time.Hour))
	require.NoError(t, err)
}

func TestConsumePresentationConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(5)
	require.NoError(t, s.Put(ctx, rec))

	now := time.Now().UTC()

	var wg sync.WaitGroup

	successes := make(chan uint64, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			if _, err := s.ConsumePresentation(ctx, rec.CredentialID, uint64(n),
				[]byte{byte(n)}, now); err == nil {
				successes <- uint64(n)
			}
		}(i)
	}

	wg.Wait()
	close(successes)

	var count int
	for range successes {
		count++
	}

	require.Equal(t, 5, count)

	got, err := s.Get(ctx, rec.CredentialID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.PresentationsUsed)
}

func TestConsumePresentationSamePairRace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(10)
	require.NoError(t, s.Put(ctx, rec))

	now := time.Now().UTC()

	var wg sync.WaitGroup

	var successCount, replayCount sync.Map

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			_, err := s.ConsumePresentation(ctx, rec.CredentialID, 7, []byte("same"), now)
			if err == nil {
				successCount.Store(n, true)
			} else {
				replayCount.Store(n, true)
			}
		}(i)
	}

	wg.Wait()

	var successes int

	successCount.Range(func(_, _ interface{}) bool {
		successes++
		return true
	})

	require.Equal(t, 1, successes)
}

func TestConsumePresentationCancelled(t *testing.T) {
	s := testStore(t)

	rec := testRecord(3)
	require.NoError(t, s.Put(context.Background(), rec))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ConsumePresentation(cancelled, rec.CredentialID, 1, []byte("h"), time.Now().UTC())
	require.ErrorIs(t, err, context.Canceled)

	got, err := s.Get(context.Background(), rec.CredentialID)
	require.NoError(t, err)
	require.Zero(t, got.PresentationsUsed)
}

func TestRevoke(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(3)
	require.NoError(t, s.Put(ctx, rec))

	require.NoError(t, s.Revoke(ctx, rec.CredentialID, "compromised", time.Now()))

	got, err := s.Get(ctx, rec.CredentialID)
	require.NoError(t, err)
	require.True(t, got.Revoked)
	require.Equal(t, "compromised", got.RevocationReason)

	// Idempotent: reason of the first revocation is kept.
	require.NoError(t, s.Revoke(ctx, rec.CredentialID, "other reason", time.Now()))

	got, err = s.Get(ctx, rec.CredentialID)
	require.NoError(t, err)
	require.Equal(t, "compromised", got.RevocationReason)

	// Revoked credentials cannot consume presentations.
	_, err = s.ConsumePresentation(ctx, rec.CredentialID, 0, []byte("h"), time.Now().UTC())
	require.ErrorIs(t, err, ErrRevoked)
}

func TestPruneLedger(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(10)
	require.NoError(t, s.Put(ctx, rec))

	old := time.Now().UTC().Add(-48 * time.Hour)

	_, err := s.ConsumePresentation(ctx, rec.CredentialID, 1, []byte("old"), old)
	require.NoError(t, err)

	_, err = s.ConsumePresentation(ctx, rec.CredentialID, 2, []byte("new"), time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.PruneLedger(ctx, time.Now().UTC().Add(-24*time.Hour)))

	// The pruned pair can be consumed again; the fresh one is still a replay.
	_, err = s.ConsumePresentation(ctx, rec.CredentialID, 1, []byte("old"), time.Now().UTC())
	require.NoError(t, err)

	_, err = s.ConsumePresentation(ctx, rec.CredentialID, 2, []byte("new"), time.Now().UTC())
	require.ErrorIs(t, err, ErrReplayDetected)
}

func TestDeleteExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(3)
	rec.ExpiresAt = time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, s.Put(ctx, rec))

	fresh := testRecord(3)
	require.NoError(t, s.Put(ctx, fresh))

	require.NoError(t, s.DeleteExpired(ctx, time.Now().UTC(), 24*time.Hour))

	_, err := s.Get(ctx, rec.CredentialID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, fresh.CredentialID)
	require.NoError(t, err)
}
