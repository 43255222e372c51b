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

// Package backend provides storage backend abstraction layer
package backend

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Forever means that object TTL will not expire unless deleted
const Forever time.Duration = 0

// NoLimit specifies no limits
const NoLimit = 0

// Backend implements abstraction over local or remote storage backend.
// Item keys are assumed to be valid UTF8, which may be enforced by the
// various Backend implementations.
type Backend interface {
	// Create creates item if it does not exist
	Create(ctx context.Context, i Item) error

	// Put puts value into backend (creates if it does not
	// exist, updates it otherwise)
	Put(ctx context.Context, i Item) error

	// Update updates value in the backend, returns NotFound error
	// if item does not exist
	Update(ctx context.Context, i Item) error

	// CompareAndSwap compares the existing item with expected
	// and replaces it with replaceWith if they match,
	// returns CompareFailed error otherwise
	CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) error

	// Get returns a single item or NotFound error
	Get(ctx context.Context, key []byte) (*Item, error)

	// GetRange returns items in the [startKey, endKey] range, up to limit
	GetRange(ctx context.Context, startKey []byte, endKey []byte, limit int) (*GetResult, error)

	// Delete deletes item by key, returns NotFound error
	// if item does not exist
	Delete(ctx context.Context, key []byte) error

	// DeleteRange deletes range of items with keys between startKey and endKey
	DeleteRange(ctx context.Context, startKey, endKey []byte) error

	// Close closes backend and all associated resources
	Close() error

	// Clock returns clock used by this backend
	Clock() clockwork.Clock
}

// Item is a key value item
type Item struct {
	// Key is a key of the key value item
	Key []byte
	// Value is a value of the key value item
	Value []byte
	// Expires is an optional record expiry time
	Expires time.Time
}

// GetResult provides the result of GetRange request
type GetResult struct {
	// Items returns a list of items
	Items []Item
}

// Config is used for the 'storage' config section. It's a combination of
// values for the various backends: 'memory' and 'lite'.
type Config struct {
	// Type is the backend type
	Type string `json:"type,omitempty"`
	// Path is the storage directory for backends that persist to disk
	Path string `json:"path,omitempty"`
}

// RangeEnd returns end of the range for given key
func RangeEnd(key []byte) []byte {
	end := make([]byte, len(key))
	copy(end, key)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i] = end[i] + 1
			end = end[:i+1]
			return end
		}
	}
	// next key does not exist (e.g., 0xffff)
	return noEnd
}

var noEnd = []byte{0}

// Separator is used as a separator between key parts
const Separator = '/'

// Key joins parts into path separated by Separator,
// makes sure path always starts with Separator ("/")
func Key(parts ...string) []byte {
	return []byte(strings.Join(append([]string{""}, parts...), string(Separator)))
}

// Items is a sortable list of backend items
type Items []Item

// Len is part of sort.Interface.
func (it Items) Len() int {
	return len(it)
}

// Swap is part of sort.Interface.
func (it Items) Swap(i, j int) {
	it[i], it[j] = it[j], it[i]
}

// Less is part of sort.Interface.
func (it Items) Less(i, j int) bool {
	return bytes.Compare(it[i].Key, it[j].Key) < 0
}

// Expiry converts ttl to expiry time, if ttl is 0
// returns empty time
func Expiry(clock clockwork.Clock, ttl time.Duration) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return clock.Now().UTC().Add(ttl)
}

// Expired returns true if the item carries an expiry in the past.
func Expired(clock clockwork.Clock, i Item) bool {
	return !i.Expires.IsZero() && !i.Expires.After(clock.Now())
}
