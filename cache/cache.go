// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package cache provides the single-flight response cache of the
// consultation pipeline.
//
// At most one computation runs per key inside a process. Callers that
// arrive while it runs wait for its result up to a lock timeout, after
// which they compute independently. A failing cache store never fails a
// request: the error is logged and the store is bypassed.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/storage"
)

const (
	DefaultTTL         = time.Hour
	DefaultLockTimeout = 30 * time.Second
)

// ErrStoreRequired is returned when creating a cache without a store.
var ErrStoreRequired = errors.New("cache store is required")

// ComputeFunc produces the entry for a cache miss. The cache fills in Key,
// CreatedAt and TTL. Entries reported as not cacheable are shared with
// waiting callers but never stored.
type ComputeFunc func(ctx context.Context) (entry *core.CacheEntry, cacheable bool, err error)

// Key derives the cache key from the normalized rewritten query and the
// index version, so a new corpus never serves stale answers.
func Key(normalizedQuery, indexVersion string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(indexVersion))
	h.Write([]byte{0})
	h.Write([]byte(normalizedQuery))
	return indexVersion + ":" + hex.EncodeToString(h.Sum(nil))
}

// call is an in-flight computation for one key.
type call struct {
	done      chan struct{}
	entry     *core.CacheEntry
	err       error
	abandoned bool
}

// ResponseCache is a TTL cache with per-key single-flight computation.
type ResponseCache struct {
	store       storage.CacheStore
	ttl         time.Duration
	lockTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	calls   map[string]*call
	waiting atomic.Int64
}

// Option configures a ResponseCache.
type Option func(*ResponseCache) error

func WithLogger(logger *slog.Logger) Option {
	return func(c *ResponseCache) error {
		if logger == nil {
			logger = slog.Default()
		}
		c.logger = logger
		return nil
	}
}

// WithTTL sets the lifetime of stored entries.
func WithTTL(ttl time.Duration) Option {
	return func(c *ResponseCache) error {
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive, got %s", ttl)
		}
		c.ttl = ttl
		return nil
	}
}

// WithLockTimeout sets how long a caller waits for an in-flight computation.
func WithLockTimeout(timeout time.Duration) Option {
	return func(c *ResponseCache) error {
		if timeout <= 0 {
			return fmt.Errorf("lock timeout must be positive, got %s", timeout)
		}
		c.lockTimeout = timeout
		return nil
	}
}

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *ResponseCache) error {
		c.now = now
		return nil
	}
}

// New creates a ResponseCache on store.
func New(store storage.CacheStore, opts ...Option) (*ResponseCache, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	c := &ResponseCache{
		store:       store,
		ttl:         DefaultTTL,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		logger:      slog.Default(),
		calls:       make(map[string]*call),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.With("component", "cache")
	return c, nil
}

// Get returns the live entry for key or nil. Store failures are returned
// wrapped in core.ErrCacheUnavailable.
func (c *ResponseCache) Get(ctx context.Context, key string) (*core.CacheEntry, error) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrCacheUnavailable, err)
	}
	if entry != nil && entry.Expired(c.now()) {
		return nil, nil
	}
	return entry, nil
}

// Set stamps entry with key, creation time and TTL and stores it.
func (c *ResponseCache) Set(ctx context.Context, key string, entry *core.CacheEntry) error {
	entry.Key = key
	entry.CreatedAt = c.now()
	entry.TTL = c.ttl
	if err := c.store.Set(ctx, entry); err != nil {
		return fmt.Errorf("%w: %w", core.ErrCacheUnavailable, err)
	}
	return nil
}

// Do returns the cached entry for key, or runs compute under the key's
// single-flight lock and stores its result. hit reports that compute was
// not run by this caller.
func (c *ResponseCache) Do(ctx context.Context, key string, compute ComputeFunc) (entry *core.CacheEntry, hit bool, err error) {
	if entry := c.lookup(ctx, key); entry != nil {
		return entry, true, nil
	}

	for {
		c.mu.Lock()
		inflight, ok := c.calls[key]
		if !ok {
			cl := &call{done: make(chan struct{})}
			c.calls[key] = cl
			c.mu.Unlock()
			return c.lead(ctx, key, cl, compute)
		}
		c.mu.Unlock()

		c.waiting.Add(1)
		timer := time.NewTimer(c.lockTimeout)
		select {
		case <-inflight.done:
			timer.Stop()
			c.waiting.Add(-1)
			if inflight.abandoned {
				// the holder went away; try to take over
				continue
			}
			if inflight.err != nil {
				return nil, false, inflight.err
			}
			return inflight.entry, true, nil

		case <-timer.C:
			c.waiting.Add(-1)
			c.logger.Warn("cache lock timeout, computing independently", "key", key, "timeout", c.lockTimeout)
			entry, cacheable, err := compute(ctx)
			if err != nil {
				return nil, false, err
			}
			if cacheable {
				c.put(ctx, key, entry)
			}
			return entry, false, nil

		case <-ctx.Done():
			timer.Stop()
			c.waiting.Add(-1)
			return nil, false, ctx.Err()
		}
	}
}

func (c *ResponseCache) lead(ctx context.Context, key string, cl *call, compute ComputeFunc) (*core.CacheEntry, bool, error) {
	defer func() {
		c.mu.Lock()
		delete(c.calls, key)
		c.mu.Unlock()
		close(cl.done)
	}()

	// a previous holder may have finished between lookup and lock
	if entry := c.lookup(ctx, key); entry != nil {
		cl.entry = entry
		return entry, true, nil
	}

	entry, cacheable, err := compute(ctx)
	if err != nil {
		cl.err = err
		cl.abandoned = ctx.Err() != nil
		return nil, false, err
	}

	if cacheable {
		c.put(ctx, key, entry)
	}
	cl.entry = entry
	return entry, false, nil
}

func (c *ResponseCache) lookup(ctx context.Context, key string) *core.CacheEntry {
	entry, err := c.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, bypassing", "key", key, "err", err)
		return nil
	}
	return entry
}

func (c *ResponseCache) put(ctx context.Context, key string, entry *core.CacheEntry) {
	if entry == nil {
		return
	}
	if err := c.Set(ctx, key, entry); err != nil {
		c.logger.Warn("cache write failed, bypassing", "key", key, "err", err)
	}
}

// InFlight returns the number of keys currently being computed.
func (c *ResponseCache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Waiting returns the number of callers blocked on another caller's computation.
func (c *ResponseCache) Waiting() int {
	return int(c.waiting.Load())
}
