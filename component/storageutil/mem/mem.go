/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mem provides an in-memory implementation of the storage interface,
// suitable for tests and single-process deployments.
package mem

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	spi "github.com/hyperledger/acdp-framework-go/spi/storage"
)

type dbEntry struct {
	value []byte
	tags  []spi.Tag
}

// Provider is an in-memory storage provider.
type Provider struct {
	dbs    map[string]*store
	config map[string]spi.StoreConfiguration
	lock   sync.RWMutex
}

// NewProvider creates a new in-memory Provider.
func NewProvider() *Provider {
	return &Provider{
		dbs:    make(map[string]*store),
		config: make(map[string]spi.StoreConfiguration),
	}
}

// OpenStore opens a store with the given name, creating it if absent.
func (p *Provider) OpenStore(name string) (spi.Store, error) {
	if name == "" {
		return nil, errors.New("store name cannot be empty")
	}

	name = strings.ToLower(name)

	p.lock.Lock()
	defer p.lock.Unlock()

	s, ok := p.dbs[name]
	if !ok {
		s = &store{db: make(map[string]dbEntry)}
		p.dbs[name] = s
	}

	return s, nil
}

// SetStoreConfig sets the configuration on the named store.
func (p *Provider) SetStoreConfig(name string, config spi.StoreConfiguration) error {
	name = strings.ToLower(name)

	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.dbs[name]; !ok {
		return spi.ErrStoreNotFound
	}

	p.config[name] = config

	return nil
}

// GetStoreConfig returns the configuration of the named store.
func (p *Provider) GetStoreConfig(name string) (spi.StoreConfiguration, error) {
	name = strings.ToLower(name)

	p.lock.RLock()
	defer p.lock.RUnlock()

	config, ok := p.config[name]
	if !ok {
		return spi.StoreConfiguration{}, spi.ErrStoreNotFound
	}

	return config, nil
}

// Close closes all stores.
func (p *Provider) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.dbs = make(map[string]*store)
	p.config = make(map[string]spi.StoreConfiguration)

	return nil
}

type store struct {
	db   map[string]dbEntry
	lock sync.RWMutex
}

func (s *store) Put(key string, value []byte, tags ...spi.Tag) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	if value == nil {
		return errors.New("value cannot be nil")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.db[key] = dbEntry{value: append([]byte{}, value...), tags: append([]spi.Tag{}, tags...)}

	return nil
}

func (s *store) Get(key string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	entry, ok := s.db[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, spi.ErrDataNotFound)
	}

	return append([]byte{}, entry.value...), nil
}

func (s *store) GetTags(key string) ([]spi.Tag, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	entry, ok := s.db[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, spi.ErrDataNotFound)
	}

	return append([]spi.Tag{}, entry.tags...), nil
}

func (s *store) Query(expression string) (spi.Iterator, error) {
	if expression == "" {
		return nil, errors.New("expression cannot be empty")
	}

	name, value := expression, ""
	if i := strings.Index(expression, ":"); i >= 0 {
		name, value = expression[:i], expression[i+1:]
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	var results []queryResult

	for key, entry := range s.db {
		for _, tag := range entry.tags {
			if tag.Name != name {
				continue
			}

			if value == "" || tag.Value == value {
				results = append(results, queryResult{
					key:   key,
					value: append([]byte{}, entry.value...),
					tags:  append([]spi.Tag{}, entry.tags...),
				})

				break
			}
		}
	}

	return &iterator{results: results, index: -1}, nil
}

func (s *store) Delete(key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.db, key)

	return nil
}

func (s *store) Close() error {
	return nil
}

type queryResult struct {
	key   string
	value []byte
	tags  []spi.Tag
}

type iterator struct {
	results []queryResult
	index   int
}

func (i *iterator) Next() (bool, error) {
	i.index++

	return i.index < len(i.results), nil
}

func (i *iterator) Key() (string, error) {
	if i.index < 0 || i.index >= len(i.results) {
		return "", errors.New("iterator out of range")
	}

	return i.results[i.index].key, nil
}

func (i *iterator) Value() ([]byte, error) {
	if i.index < 0 || i.index >= len(i.results) {
		return nil, errors.New("iterator out of range")
	}

	return i.results[i.index].value, nil
}

func (i *iterator) Tags() ([]spi.Tag, error) {
	if i.index < 0 || i.index >= len(i.results) {
		return nil, errors.New("iterator out of range")
	}

	return i.results[i.index].tags, nil
}

func (i *iterator) Close() error {
	return nil
}
