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

// Package sync implements the Sync Processor (spec §4.7): a timer-driven
// loop that drains the Request Queue against the remote backend, retrying
// transient failures and purging entries that fail too many times.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"rqtree/internal/cache"
	"rqtree/internal/common"
	"rqtree/internal/events"
	"rqtree/internal/local"
	"rqtree/internal/queue"
	"rqtree/internal/remote"
	"rqtree/internal/upload"
	"rqtree/internal/workfile"
)

// Config is the Sync Processor's timing and retry policy (spec §6).
type Config struct {
	Interval   time.Duration
	MaxRetries int
	ChunkSize  int64
	RetryDelay time.Duration
	// LockPath, if set, is flock'd for the lifetime of the drain loop so at
	// most one Sync Processor runs against a given share at a time. Empty
	// disables the guard (e.g. in-process tests sharing no on-disk state).
	LockPath string
}

// Processor drains Queue against Remote on a timer, updating WorkFiles and
// ListCache as entries resolve, and invalidating cached listings so the
// Overlay Tree reflects the new state on next access.
type Processor struct {
	cfg    Config
	q      *queue.Queue
	work   *workfile.Store
	remote remote.Backend
	local  local.Backend
	list   *cache.ListCache
	bus    *events.Bus
	up     *upload.Uploader

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	lock    *flock.Flock
}

// New builds a Processor wired to the given collaborators.
func New(cfg Config, q *queue.Queue, work *workfile.Store, rem remote.Backend, loc local.Backend, list *cache.ListCache, bus *events.Bus) *Processor {
	return &Processor{
		cfg:    cfg,
		q:      q,
		work:   work,
		remote: rem,
		local:  loc,
		list:   list,
		bus:    bus,
		up:     upload.New(upload.Config{ChunkSize: cfg.ChunkSize, MaxRetries: cfg.MaxRetries, RetryDelay: cfg.RetryDelay}, rem, bus),
	}
}

// Start launches the drain loop on cfg.Interval. Calling Start while already
// running is a no-op. If cfg.LockPath is set, Start takes an exclusive
// flock on it first so that at most one Sync Processor drains a given
// share at a time; failing to acquire the lock returns NotReady.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	if p.cfg.LockPath != "" {
		lock := flock.New(p.cfg.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("%w: acquiring sync lock: %v", common.ErrIO, err)
		}
		if !locked {
			return fmt.Errorf("%w: another sync processor already running for this share", common.ErrNotReady)
		}
		p.lock = lock
	}

	p.running = true
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop signals the drain loop to exit, blocks until it has, and releases
// the singleton-start lock if one was taken.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	if p.lock != nil {
		p.lock.Unlock()
		p.lock = nil
	}
	p.mu.Unlock()
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.DrainOnce(ctx)
		}
	}
}

// DrainOnce attempts every entry queued as of the start of this call, oldest
// first, exactly once each, stopping early if ctx is cancelled. A failing
// entry has its retry count incremented and stays queued for the next drain
// cycle rather than being retried again within this same call — spec §4.7/
// §7's "the queue entry stays and is retried on the next sync cycle" means
// one attempt per cycle, honoring cfg.Interval/cfg.RetryDelay between
// attempts, not a zero-delay busy-retry loop against the remote. Entries
// enqueued after this snapshot is taken are left for the next drain. It is
// exported so callers (and tests) can force an immediate drain outside the
// timer.
func (p *Processor) DrainOnce(ctx context.Context) {
	p.bus.Emit(events.Event{Kind: events.SyncStart})

	var entries []queue.Entry
	if err := p.q.Iterate(ctx, func(e queue.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		p.bus.Emit(events.Event{Kind: events.SyncErr, Err: err})
		return
	}

	var lastErr error
	processed := 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			p.bus.Emit(events.Event{Kind: events.SyncAbort})
			return
		default:
		}

		if err := p.processEntry(ctx, entry); err != nil {
			lastErr = err
		}
		processed++
		p.bus.Emit(events.Event{Kind: events.SyncProgress, Data: events.Progress{Read: int64(processed)}})
	}

	if lastErr != nil {
		p.bus.Emit(events.Event{Kind: events.SyncErr, Err: lastErr})
		return
	}
	p.bus.Emit(events.Event{Kind: events.SyncEnd})
}

// processEntry attempts one queue entry. On success it removes the entry
// and refreshes the work-file baseline; on failure it increments the
// entry's retry count and, once it exceeds cfg.MaxRetries, purges it
// (spec §4.7's "purge after N failures").
func (p *Processor) processEntry(ctx context.Context, entry queue.Entry) error {
	path := entry.Path()
	log.WithFields(log.Fields{"path": path, "method": entry.Method}).Debug("[sync] processing entry")

	err := p.applyEntry(ctx, entry)
	if err == nil {
		if removeErr := p.q.Remove(ctx, entry); removeErr != nil {
			return removeErr
		}
		p.list.InvalidateContentCache(common.ParentOf(path), false)
		return nil
	}

	retries, incErr := p.q.IncrementRetry(ctx, entry)
	if incErr != nil {
		return incErr
	}
	if retries > p.cfg.MaxRetries {
		if purgeErr := p.q.MarkPurged(ctx, entry); purgeErr != nil {
			return purgeErr
		}
		p.bus.Emit(events.Event{Kind: events.SyncPurged, Path: path, Err: err})
		return nil
	}

	p.bus.Emit(events.Event{Kind: events.SyncFileErr, Path: path, Err: err})
	return err
}

func (p *Processor) applyEntry(ctx context.Context, entry queue.Entry) error {
	path := entry.Path()

	switch entry.Method {
	case queue.DELETE:
		if err := p.remote.Delete(ctx, path); err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		return p.work.Delete(ctx, path)

	case queue.PUT, queue.POST:
		return p.uploadFile(ctx, path, entry.Method == queue.PUT, entry.Size)

	default:
		return nil
	}
}

func (p *Processor) uploadFile(ctx context.Context, path string, isCreate bool, size int64) error {
	f, err := p.local.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ra, ok := f.(io.ReaderAt)
	if !ok {
		return errors.New("local file handle does not support random access reads")
	}

	req := upload.Request{
		Path:      path,
		Content:   ra,
		TotalSize: size,
		IsCreate:  isCreate,
	}
	if err := p.up.Upload(ctx, req); err != nil {
		return err
	}

	remoteEntry, err := p.remote.Stat(ctx, path)
	if err != nil {
		return err
	}
	return p.work.RefreshWork(ctx, path, remoteEntry.LastModified)
}
