// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package coordinator

import (
	"sync"
	"time"

	"github.com/elloloop/entdb/proto"
)

// inflightCache is the per-instance idempotency cache. Soft state: losing it
// only costs an extra durable append, deduplicated at apply through
// applied_events. Entries pin the request body hash so key reuse with a
// different body is detectable.
type inflightCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[inflightKey]*inflightEntry
}

type inflightKey struct {
	tenantID string
	key      string
}

type inflightEntry struct {
	receipt  *proto.Receipt
	bodyHash string
	expires  time.Time
}

func newInflightCache(ttl time.Duration) *inflightCache {
	return &inflightCache{
		ttl:     ttl,
		entries: make(map[inflightKey]*inflightEntry),
	}
}

func (c *inflightCache) get(tenantID, key string) (*proto.Receipt, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[inflightKey{tenantID, key}]
	if !ok {
		return nil, "", false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, inflightKey{tenantID, key})
		return nil, "", false
	}
	return entry.receipt, entry.bodyHash, true
}

func (c *inflightCache) put(tenantID, key, bodyHash string, receipt *proto.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[inflightKey{tenantID, key}] = &inflightEntry{
		receipt:  receipt,
		bodyHash: bodyHash,
		expires:  now.Add(c.ttl),
	}
}
