// Copyright 2024 LatentFS Authors
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

package cache

import (
	"strings"
	"sync"
	"time"
)

// listEntry is one cached remote folder listing (spec §4.8).
type listEntry struct {
	timestamp time.Time
	names     []string
}

// ListCache is a short-TTL cache of remote folder listings, keyed by parent
// path. It is the generalization of the teacher's AttrCache (TTL expiry +
// fine-grained path/prefix invalidation) to the spec's ListCacheEntry shape.
type ListCache struct {
	mu      sync.RWMutex
	entries map[string]listEntry
	ttl     time.Duration
}

// NewListCache creates a List Cache with the given TTL (contentCacheTTL).
func NewListCache(ttl time.Duration) *ListCache {
	return &ListCache{
		entries: make(map[string]listEntry, 64),
		ttl:     ttl,
	}
}

// Get returns the cached names for parent if present and unexpired.
func (c *ListCache) Get(parent string) ([]string, bool) {
	if Disabled {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[parent]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.timestamp) > c.ttl {
		return nil, false
	}
	return e.names, true
}

// Set stores names for parent, timestamped now.
func (c *ListCache) Set(parent string, names []string) {
	if Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[parent] = listEntry{timestamp: time.Now(), names: names}
}

// Invalidate clears the entire cache.
func (c *ListCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]listEntry, 64)
}

// InvalidateContentCache clears the entry for path, and every descendant
// entry if deep is set, matching spec §4.8's
// invalidateContentCache(path, deep).
func (c *ListCache) InvalidateContentCache(path string, deep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
	if !deep {
		return
	}

	prefix := path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for p := range c.entries {
		if strings.HasPrefix(p, prefix) {
			delete(c.entries, p)
		}
	}
}

// Size returns the number of cached parent entries.
func (c *ListCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
