/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package storage provides configurable storage mocks for unit tests.
package storage

import (
	"sync"

	"github.com/hyperledger/acdp-framework-go/component/storageutil/mem"
	spi "github.com/hyperledger/acdp-framework-go/spi/storage"
)

// MockProvider is a storage provider whose stores can be primed to fail.
type MockProvider struct {
	inner *mem.Provider

	lock   sync.Mutex
	stores map[string]*MockStore

	// OpenStoreErr, when set, fails every OpenStore call.
	OpenStoreErr error
}

// NewMockProvider creates a MockProvider backed by in-memory stores.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		inner:  mem.NewProvider(),
		stores: make(map[string]*MockStore),
	}
}

// OpenStore implements spi.Provider.
func (p *MockProvider) OpenStore(name string) (spi.Store, error) {
	if p.OpenStoreErr != nil {
		return nil, p.OpenStoreErr
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if s, ok := p.stores[name]; ok {
		return s, nil
	}

	inner, err := p.inner.OpenStore(name)
	if err != nil {
		return nil, err
	}

	s := &MockStore{inner: inner}
	p.stores[name] = s

	return s, nil
}

// SetStoreConfig implements spi.Provider.
func (p *MockProvider) SetStoreConfig(name string, config spi.StoreConfiguration) error {
	return p.inner.SetStoreConfig(name, config)
}

// GetStoreConfig implements spi.Provider.
func (p *MockProvider) GetStoreConfig(name string) (spi.StoreConfiguration, error) {
	return p.inner.GetStoreConfig(name)
}

// Close implements spi.Provider.
func (p *MockProvider) Close() error {
	return p.inner.Close()
}

// Store returns the named mock store, if opened.
func (p *MockProvider) Store(name string) *MockStore {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.stores[name]
}

// MockStore wraps a real store with injectable failures. GetErrs is consumed
// one error per Get call, letting tests exercise bounded retry: prime two
// transient errors and the third call succeeds.
type MockStore struct {
	inner spi.Store

	lock    sync.Mutex
	GetErrs []error

	// PutErr, when set, fails every Put call.
	PutErr error

	// GetCalls counts Get invocations.
	GetCalls int
}

// Put implements spi.Store.
func (s *MockStore) Put(key string, value []byte, tags ...spi.Tag) error {
	if s.PutErr != nil {
		return s.PutErr
	}

	return s.inner.Put(key, value, tags...)
}

// Get implements spi.Store.
func (s *MockStore) Get(key string) ([]byte, error) {
	s.lock.Lock()
	s.GetCalls++

	var err error
	if len(s.GetErrs) > 0 {
		err, s.GetErrs = s.GetErrs[0], s.GetErrs[1:]
	}
	s.lock.Unlock()

	if err != nil {
		return nil, err
	}

	return s.inner.Get(key)
}

// GetTags implements spi.Store.
func (s *MockStore) GetTags(key string) ([]spi.Tag, error) {
	return s.inner.GetTags(key)
}

// Query implements spi.Store.
func (s *MockStore) Query(expression string) (spi.Iterator, error) {
	return s.inner.Query(expression)
}

// Delete implements spi.Store.
func (s *MockStore) Delete(key string) error {
	return s.inner.Delete(key)
}

// Close implements spi.Store.
func (s *MockStore) Close() error {
	return s.inner.Close()
}
