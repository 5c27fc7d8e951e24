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

// Package download implements the Download Coordinator (spec §4.5):
// single-flight deduplication of concurrent fetches of the same remote
// path across all open tree handles of a share.
package download

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"rqtree/internal/events"
	"rqtree/internal/local"
)

// Coordinator deduplicates concurrent fetches per path. It is share-scoped:
// one Coordinator belongs to exactly one share, matching the Design Notes'
// "singletons per share -> share-scoped context object" replacement for a
// process-global download map.
type Coordinator struct {
	bus   *events.Bus
	group singleflight.Group

	mu       sync.RWMutex
	inflight map[string]bool
}

// NewCoordinator creates an idle Coordinator that reports fetch lifecycle
// on bus (spec §6's downloadstart/downloadend).
func NewCoordinator(bus *events.Bus) *Coordinator {
	return &Coordinator{bus: bus, inflight: make(map[string]bool)}
}

// IsDownloading reports whether path currently has an in-flight fetch.
// Mutating operations (open-for-write, create, rename, delete, the exact
// path of a list) must fail with NotReady while this is true (spec §4.5).
func (c *Coordinator) IsDownloading(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inflight[path]
}

// Fetch runs fn at most once concurrently per path; all concurrent callers
// for the same path receive the same result. shared reports whether this
// caller observed a result produced by another caller's fn invocation.
// downloadstart/downloadend are emitted once per underlying fn invocation,
// not once per caller, since callers riding a shared in-flight fetch don't
// start a new download.
func (c *Coordinator) Fetch(path string, fn func() (local.Info, error)) (info local.Info, shared bool, err error) {
	c.mu.Lock()
	c.inflight[path] = true
	c.mu.Unlock()

	v, err, shared := c.group.Do(path, func() (any, error) {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, path)
			c.mu.Unlock()
		}()
		log.WithField("path", path).Debug("[download] fetch starting")
		c.bus.Emit(events.Event{Kind: events.DownloadStart, Path: path})
		info, err := fn()
		c.bus.Emit(events.Event{Kind: events.DownloadEnd, Path: path, Err: err})
		return info, err
	})
	if err != nil {
		return local.Info{}, shared, err
	}
	return v.(local.Info), shared, nil
}

// Forget detaches any in-flight singleflight call for path, so the next
// Fetch call starts a new fn invocation instead of joining the running one.
// singleflight keeps no result once a call has finished, so Forget has no
// effect on a path with no fetch in flight.
func (c *Coordinator) Forget(path string) {
	c.group.Forget(path)
}

// ShouldRefetch applies the freshness check in spec §4.5: if the remote's
// lastModified equals the work-file's baseline, no re-download is needed.
// If the remote's lastModified has gone backward relative to the baseline,
// the cached copy is preferred (returns false) until an explicit refresh
// adopts the backward value.
func ShouldRefetch(workRemoteLastModified, remoteLastModified time.Time) bool {
	if remoteLastModified.Equal(workRemoteLastModified) {
		return false
	}
	if remoteLastModified.Before(workRemoteLastModified) {
		return false
	}
	return true
}
