/*
Copyright 2024 Bastion Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package memory implements a btree-backed in-process backend, used for
// tests and single-node development setups.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bastionlabs/bastion/lib/backend"
)

// Config holds memory backend configuration.
type Config struct {
	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock
	// BTreeDegree is the degree of the underlying btree.
	BTreeDegree int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BTreeDegree <= 0 {
		c.BTreeDegree = 8
	}
	return nil
}

// item adapts a backend item for btree storage.
type item struct {
	backend.Item
}

func (i *item) Less(other btree.Item) bool {
	return bytes.Compare(i.Key, other.(*item).Key) < 0
}

// Memory is a btree-backed in-process backend.
type Memory struct {
	cfg  Config
	mu   sync.Mutex
	tree *btree.BTree
}

// New returns a new memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg:  cfg,
		tree: btree.New(cfg.BTreeDegree),
	}, nil
}

// Clock returns the clock used by this backend.
func (m *Memory) Clock() clockwork.Clock {
	return m.cfg.Clock
}

// Close releases the backend resources.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	return nil
}

// Create creates an item if it does not exist.
func (m *Memory) Create(ctx context.Context, i backend.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.getLocked(i.Key); existing != nil {
		return trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	m.tree.ReplaceOrInsert(&item{Item: i})
	return nil
}

// Put puts value into the backend, overwriting an existing item.
func (m *Memory) Put(ctx context.Context, i backend.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(&item{Item: i})
	return nil
}

// Update updates an existing item, returns NotFound if missing.
func (m *Memory) Update(ctx context.Context, i backend.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.getLocked(i.Key); existing == nil {
		return trace.NotFound("key %q is not found", string(i.Key))
	}
	m.tree.ReplaceOrInsert(&item{Item: i})
	return nil
}

// CompareAndSwap replaces expected with replaceWith if the stored value
// matches expected.
func (m *Memory) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) error {
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return trace.BadParameter("expected and replaceWith keys must match")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.getLocked(expected.Key)
	if existing == nil {
		return trace.CompareFailed("key %q is not found", string(expected.Key))
	}
	if !bytes.Equal(existing.Value, expected.Value) {
		return trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	m.tree.ReplaceOrInsert(&item{Item: replaceWith})
	return nil
}

// Get returns a single item or NotFound.
func (m *Memory) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.getLocked(key)
	if existing == nil {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	out := existing.Item
	return &out, nil
}

// GetRange returns items in the [startKey, endKey] range up to limit.
func (m *Memory) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 || len(endKey) == 0 {
		return nil, trace.BadParameter("missing range keys")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result backend.GetResult
	var expired []*item
	m.tree.AscendRange(&item{Item: backend.Item{Key: startKey}}, &item{Item: backend.Item{Key: endKey}}, func(bi btree.Item) bool {
		it := bi.(*item)
		if backend.Expired(m.cfg.Clock, it.Item) {
			expired = append(expired, it)
			return true
		}
		result.Items = append(result.Items, it.Item)
		return limit == backend.NoLimit || len(result.Items) < limit
	})
	for _, it := range expired {
		m.tree.Delete(it)
	}
	return &result, nil
}

// Delete deletes an item by key.
func (m *Memory) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.getLocked(key); existing == nil {
		return trace.NotFound("key %q is not found", string(key))
	}
	m.tree.Delete(&item{Item: backend.Item{Key: key}})
	return nil
}

// DeleteRange deletes all items between startKey and endKey.
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []*item
	m.tree.AscendRange(&item{Item: backend.Item{Key: startKey}}, &item{Item: backend.Item{Key: endKey}}, func(bi btree.Item) bool {
		doomed = append(doomed, bi.(*item))
		return true
	})
	for _, it := range doomed {
		m.tree.Delete(it)
	}
	return nil
}

// getLocked returns a live item or nil, lazily removing expired entries.
// Callers must hold m.mu.
func (m *Memory) getLocked(key []byte) *item {
	bi := m.tree.Get(&item{Item: backend.Item{Key: key}})
	if bi == nil {
		return nil
	}
	it := bi.(*item)
	if backend.Expired(m.cfg.Clock, it.Item) {
		m.tree.Delete(it)
		return nil
	}
	return it
}
