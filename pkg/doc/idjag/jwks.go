/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package idjag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bluele/gcache"
	jose "github.com/go-jose/go-jose/v3"

	"github.com/hyperledger/acdp-framework-go/component/log"
)

var logger = log.New("acdp-framework/idjag")

const jwksPath = "/.well-known/jwks.json"

// HTTPClient is the transport dependency of the JWKS resolver.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// JWKSResolver fetches IdP signing keys from the JWKS endpoint under the
// configured base URL and caches the key set for the refresh interval.
type JWKSResolver struct {
	baseURL string
	client  HTTPClient
	cache   gcache.Cache
	refresh time.Duration
}

// NewJWKSResolver creates a resolver for the IdP at baseURL. The key set is
// re-fetched after refresh elapses.
func NewJWKSResolver(baseURL string, client HTTPClient, refresh time.Duration) *JWKSResolver {
	if client == nil {
		client = http.DefaultClient
	}

	if refresh <= 0 {
		refresh = 15 * time.Minute
	}

	return &JWKSResolver{
		baseURL: baseURL,
		client:  client,
		cache:   gcache.New(4).LRU().Build(),
		refresh: refresh,
	}
}

// ResolveKey implements KeyResolver.
func (r *JWKSResolver) ResolveKey(ctx context.Context, issuer, keyID string) (interface{}, error) {
	keySet, err := r.keySet(ctx)
	if err != nil {
		return nil, err
	}

	if keyID != "" {
		keys := keySet.Key(keyID)
		if len(keys) == 0 {
			return nil, fmt.Errorf("issuer %s has no key %q", issuer, keyID)
		}

		return keys[0].Key, nil
	}

	if len(keySet.Keys) == 0 {
		return nil, fmt.Errorf("issuer %s published an empty key set", issuer)
	}

	return keySet.Keys[0].Key, nil
}

func (r *JWKSResolver) keySet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	if cached, err := r.cache.Get(r.baseURL); err == nil {
		return cached.(*jose.JSONWebKeySet), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+jwksPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}

	defer resp.Body.Close() //nolint:errcheck // response body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch JWKS: unexpected status %d", resp.StatusCode)
	}

	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}

	if err := r.cache.SetWithExpire(r.baseURL, &keySet, r.refresh); err != nil {
		logger.Warnf("JWKS cache set failed: %v", err)
	}

	logger.Debugf("refreshed JWKS from %s (%d keys)", r.baseURL, len(keySet.Keys))

	return &keySet, nil
}
