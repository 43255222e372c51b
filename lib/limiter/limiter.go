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

// Package limiter enforces token-bucket rate limits per service,
// endpoint and caller. Buckets live in a bounded in-process map and are
// evicted after sitting idle; on exhaustion the caller gets a
// retry-after hint, never a queue.
package limiter

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/types"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

// Scope separates bucket families: HTTP requests, WebSocket connection
// establishment, and per-connection message flow.
type Scope string

const (
	ScopeHTTP      Scope = "http"
	ScopeWSConnect Scope = "ws_connect"
	ScopeWSMessage Scope = "ws_message"
)

// Config holds limiter configuration.
type Config struct {
	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock

	// IdleBucketTTL is how long an untouched bucket survives before
	// eviction.
	IdleBucketTTL time.Duration

	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.IdleBucketTTL <= 0 {
		c.IdleBucketTTL = defaults.RateLimitIdleBucketTTL
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(bastion.ComponentKey, bastion.ComponentLimiter)
	}
	return nil
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a keyed token-bucket rate limiter.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New returns a limiter.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		cfg:     cfg,
		logger:  cfg.Logger,
		buckets: make(map[string]*bucket),
	}, nil
}

// Key identifies one bucket.
type Key struct {
	// Scope is the bucket family.
	Scope Scope
	// ServiceID is the matched service.
	ServiceID string
	// EndpointPath is the matched endpoint pattern, empty for the
	// service-default bucket.
	EndpointPath string
	// Caller is the principal subject, or the source address for
	// anonymous requests.
	Caller string
}

func (k Key) String() string {
	return strings.Join([]string{string(k.Scope), k.ServiceID, k.EndpointPath, k.Caller}, "|")
}

// Allow consumes one token from the bucket keyed by key and
// parameterized by settings. A nil settings means unlimited. When the
// bucket is exhausted Allow reports false with the duration after which
// a retry can succeed.
func (l *Limiter) Allow(key Key, settings *types.RateLimitSettings) (bool, time.Duration) {
	if settings == nil {
		return true, 0
	}
	now := l.cfg.Clock.Now()
	b := l.bucketFor(key, settings, now)
	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, settings.Window()
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *Limiter) bucketFor(key Key, settings *types.RateLimitSettings, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := key.String()
	b, ok := l.buckets[id]
	if !ok {
		refill := rate.Limit(float64(settings.RequestsPerWindow) / settings.Window().Seconds())
		b = &bucket{limiter: rate.NewLimiter(refill, settings.BurstCapacity)}
		l.buckets[id] = b
	}
	b.lastSeen = now
	return b
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// evictIdle drops buckets untouched for longer than the idle TTL.
func (l *Limiter) evictIdle() {
	cutoff := l.cfg.Clock.Now().Add(-l.cfg.IdleBucketTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}

// Run evicts idle buckets periodically until the context is canceled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := l.cfg.Clock.NewTicker(l.cfg.IdleBucketTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.evictIdle()
		}
	}
}
