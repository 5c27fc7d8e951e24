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

// Package overlay implements the Overlay Tree (spec §4.4): the union view
// of Remote, Local cache and Work-File metadata that every filesystem-style
// operation in this module goes through.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"rqtree/internal/cache"
	"rqtree/internal/common"
	"rqtree/internal/download"
	"rqtree/internal/events"
	"rqtree/internal/local"
	"rqtree/internal/queue"
	"rqtree/internal/remote"
	"rqtree/internal/syncfilter"
	"rqtree/internal/workfile"
)

// Entry is a listing/stat result surfaced to callers, unifying remote.Entry
// and local.Info into one overlay-visible shape.
type Entry struct {
	Path         string
	IsDirectory  bool
	Size         int64
	LastModified time.Time
}

// ConflictResolution is the caller-driven action discharging a flagged
// syncconflict (spec §4.9 supplement).
type ConflictResolution int

const (
	KeepLocal ConflictResolution = iota
	KeepRemote
	KeepBoth
)

// Config tunes the Overlay Tree's conflict-detection tolerance.
type Config struct {
	// Tolerance is slack applied when comparing lastModified timestamps
	// against the work-file's lastSyncDate in canDelete, to absorb clock
	// skew and filesystem mtime granularity.
	Tolerance time.Duration
}

// Tree is the Overlay Tree: Remote ∪ Local ∪ Work-File metadata, with a
// Request Queue for pending mutations and a Download Coordinator for
// single-flighted fetches.
type Tree struct {
	cfg    Config
	remote remote.Backend
	local  local.Backend
	work   *workfile.Store
	q      *queue.Queue
	dl     *download.Coordinator
	list   *cache.ListCache
	bus    *events.Bus
	filter *syncfilter.Filter

	conflictMu   sync.Mutex
	conflictSeen map[string]bool

	sweepMu      sync.Mutex
	sweepRunning bool
	sweepStopCh  chan struct{}
	sweepWg      sync.WaitGroup
}

// New builds a Tree wired to the given collaborators. filter may be nil,
// in which case no path is excluded beyond the mandatory temp-path rule.
func New(cfg Config, rem remote.Backend, loc local.Backend, work *workfile.Store, q *queue.Queue, dl *download.Coordinator, list *cache.ListCache, bus *events.Bus, filter *syncfilter.Filter) *Tree {
	return &Tree{
		cfg:          cfg,
		remote:       rem,
		local:        loc,
		work:         work,
		q:            q,
		dl:           dl,
		list:         list,
		bus:          bus,
		filter:       filter,
		conflictSeen: make(map[string]bool),
	}
}

// Exists reports the visibility of path per spec §4.4's four-step rule.
func (t *Tree) Exists(ctx context.Context, path string) (bool, error) {
	if common.IsTempName(path) {
		return t.local.Exists(path), nil
	}
	if t.local.Exists(path) {
		return true, nil
	}
	entry, ok, err := t.q.Get(ctx, path)
	if err != nil {
		return false, err
	}
	if ok && entry.Method == queue.DELETE {
		return false, nil
	}
	_, err = t.remote.Stat(ctx, path)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Open returns a readable handle plus attributes for path, downloading
// through the Download Coordinator when the content is not already
// cached locally (spec §4.4/§4.5).
func (t *Tree) Open(ctx context.Context, path string) (io.ReadCloser, Entry, error) {
	if common.IsTempName(path) {
		if !t.local.Exists(path) {
			return nil, Entry{}, common.ErrNotFound
		}
		f, err := t.local.Open(path)
		if err != nil {
			return nil, Entry{}, err
		}
		info, err := t.local.Stat(path)
		if err != nil {
			f.Close()
			return nil, Entry{}, err
		}
		return f, fromLocal(info), nil
	}

	exists, err := t.Exists(ctx, path)
	if err != nil {
		return nil, Entry{}, err
	}
	if !exists {
		return nil, Entry{}, common.ErrNotFound
	}

	info, err := t.ensureLocal(ctx, path)
	if err != nil {
		return nil, Entry{}, err
	}
	f, err := t.local.Open(path)
	if err != nil {
		return nil, Entry{}, err
	}
	return f, fromLocal(info), nil
}

// ensureLocal guarantees a fresh local copy of path exists, consulting the
// Download Coordinator's freshness rule (spec §4.5) before re-fetching.
func (t *Tree) ensureLocal(ctx context.Context, path string) (local.Info, error) {
	if t.dl.IsDownloading(path) {
		return t.fetch(ctx, path)
	}

	if t.local.Exists(path) {
		wf, err := t.work.ReadWork(ctx, path)
		if err == nil {
			remoteEntry, statErr := t.remote.Stat(ctx, path)
			if statErr == nil && !download.ShouldRefetch(wf.RemoteLastModified, remoteEntry.LastModified) {
				return t.local.Stat(path)
			}
		} else if !errors.Is(err, common.ErrNotFound) {
			return local.Info{}, err
		}
	}

	return t.fetch(ctx, path)
}

func (t *Tree) fetch(ctx context.Context, path string) (local.Info, error) {
	info, _, err := t.dl.Fetch(path, func() (local.Info, error) {
		return t.local.Download(ctx, t.remote, path)
	})
	if err != nil {
		return local.Info{}, err
	}
	if err := t.work.RefreshWork(ctx, path, info.LastModified); err != nil {
		return local.Info{}, err
	}
	return info, nil
}

// List implements the listing algorithm of spec §4.4: remote supersedes on
// attributes, DELETE-queued remote entries are hidden, local-only files
// without a work-file are surfaced as conflicts, and files locally present
// but genuinely removed from the remote are reconciled away.
func (t *Tree) List(ctx context.Context, parent string) ([]Entry, error) {
	if t.dl.IsDownloading(parent) {
		return nil, common.ErrNotReady
	}
	if common.IsTempName(parent) {
		infos, err := t.local.List(parent)
		if err != nil {
			return nil, err
		}
		return fromLocalSlice(infos), nil
	}

	remoteEntries, err := t.listRemote(ctx, parent)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	localInfos, err := t.local.List(parent)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	localByName := make(map[string]local.Info, len(localInfos))
	for _, li := range localInfos {
		localByName[common.NameOf(li.Path)] = li
	}

	var result []Entry
	seen := make(map[string]bool, len(remoteEntries))

	for _, re := range remoteEntries {
		name := common.NameOf(re.Path)
		fullPath := common.JoinPath(parent, name)
		seen[name] = true

		entry, ok, err := t.q.Get(ctx, fullPath)
		if err != nil {
			return nil, err
		}
		if ok && entry.Method == queue.DELETE {
			continue
		}
		result = append(result, fromRemote(re))
	}

	for name, li := range localByName {
		if seen[name] {
			continue
		}
		fullPath := common.JoinPath(parent, name)

		if common.IsTempName(fullPath) {
			result = append(result, fromLocal(li))
			continue
		}

		hasWork, err := t.work.HasWork(ctx, fullPath)
		if err != nil {
			return nil, err
		}
		if !hasWork {
			t.emitConflictOnce(fullPath)
			result = append(result, fromLocal(li))
			continue
		}

		canDel, err := t.CanDelete(ctx, fullPath)
		if err != nil {
			return nil, err
		}
		if canDel {
			if err := t.local.Delete(fullPath); err != nil {
				return nil, err
			}
			if err := t.work.Delete(ctx, fullPath); err != nil {
				return nil, err
			}
			continue
		}

		t.emitConflictOnce(fullPath)
		result = append(result, fromLocal(li))
	}

	return result, nil
}

func (t *Tree) listRemote(ctx context.Context, parent string) ([]remote.Entry, error) {
	if names, hit := t.list.Get(parent); hit {
		entries := make([]remote.Entry, 0, len(names))
		for _, n := range names {
			e, err := t.remote.Stat(ctx, common.JoinPath(parent, n))
			if err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return entries, nil
	}

	entries, err := t.remote.List(ctx, parent)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, common.NameOf(e.Path))
	}
	t.list.Set(parent, names)
	return entries, nil
}

// CanDelete implements spec §4.4's canDelete predicate.
func (t *Tree) CanDelete(ctx context.Context, path string) (bool, error) {
	entry, ok, err := t.q.Get(ctx, path)
	if err != nil {
		return false, err
	}
	if ok && entry.Method == queue.PUT {
		return false, nil
	}

	wf, err := t.work.ReadWork(ctx, path)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	info, err := t.local.Stat(path)
	if err != nil {
		return false, err
	}
	if info.LastModified.After(wf.LastSyncDate.Add(t.cfg.Tolerance)) {
		return false, nil
	}
	return true, nil
}

// CreateFile creates path locally and, unless it is a temp path, enqueues
// a PUT (spec §4.4). Fails with ErrExists if path is already visible
// (locally cached or remote) per spec §7's AlreadyExists case. Temp paths
// are exempt: they are scratch names the caller owns exclusively and are
// never visible on the remote.
func (t *Tree) CreateFile(ctx context.Context, path string, content io.Reader) error {
	if t.dl.IsDownloading(path) {
		return common.ErrNotReady
	}
	if !common.IsTempName(path) {
		exists, err := t.Exists(ctx, path)
		if err != nil {
			return err
		}
		if exists {
			return common.ErrExists
		}
	}
	info, err := t.local.Create(path, content)
	if err != nil {
		return err
	}
	if common.IsTempName(path) || t.filter.Excludes(path) {
		return nil
	}
	t.list.InvalidateContentCache(common.ParentOf(path), false)
	return t.q.Enqueue(ctx, path, queue.PUT, info.Size)
}

// CreateDirectory creates path locally and, unless it is a temp path,
// issues an immediate remote create (directories are never queued). Fails
// with ErrExists if path is already visible, per spec §7's AlreadyExists
// case.
func (t *Tree) CreateDirectory(ctx context.Context, path string) error {
	if t.dl.IsDownloading(path) {
		return common.ErrNotReady
	}
	if !common.IsTempName(path) {
		exists, err := t.Exists(ctx, path)
		if err != nil {
			return err
		}
		if exists {
			return common.ErrExists
		}
	}
	if err := t.local.Mkdir(path); err != nil {
		return err
	}
	if common.IsTempName(path) {
		return nil
	}
	t.list.InvalidateContentCache(common.ParentOf(path), false)
	return t.remote.CreateDirectory(ctx, path)
}

// Delete implements spec §4.4's three-way delete.
func (t *Tree) Delete(ctx context.Context, path string) error {
	if t.dl.IsDownloading(path) {
		return common.ErrNotReady
	}
	if common.IsTempName(path) {
		if !t.local.Exists(path) {
			return common.ErrNotFound
		}
		return t.local.Delete(path)
	}

	defer t.list.InvalidateContentCache(common.ParentOf(path), false)

	if t.filter.Excludes(path) {
		if t.local.Exists(path) {
			return t.local.Delete(path)
		}
		return nil
	}

	entry, ok, err := t.q.Get(ctx, path)
	if err != nil {
		return err
	}
	if t.local.Exists(path) {
		if err := t.local.Delete(path); err != nil {
			return err
		}
	}
	if ok && entry.Method == queue.PUT {
		// Local-only queued create: DELETE-over-PUT coalesces to nothing.
		return t.q.Enqueue(ctx, path, queue.DELETE, 0)
	}
	if err := t.work.Delete(ctx, path); err != nil {
		return err
	}
	return t.q.Enqueue(ctx, path, queue.DELETE, 0)
}

// DeleteDirectory removes path locally and, unless temp, immediately on
// the remote (directories are not queued).
func (t *Tree) DeleteDirectory(ctx context.Context, path string) error {
	if err := t.local.DeleteDirectory(path); err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if common.IsTempName(path) {
		return nil
	}
	t.list.InvalidateContentCache(common.ParentOf(path), false)
	return t.remote.Delete(ctx, path)
}

// Rename delegates queueing to the Request Queue's MOVE semantics and
// moves local content and work-file metadata under the deterministic
// dual-path lock (spec §4.4, §5).
func (t *Tree) Rename(ctx context.Context, oldPath, newPath string) error {
	if t.dl.IsDownloading(oldPath) || t.dl.IsDownloading(newPath) {
		return common.ErrNotReady
	}
	var size int64
	if info, err := t.local.Stat(oldPath); err == nil {
		size = info.Size
	}

	moveErr := t.work.MoveLocked(ctx, oldPath, newPath, func(locked workfile.Locked) error {
		if t.local.Exists(oldPath) {
			if err := t.local.Rename(oldPath, newPath); err != nil {
				return err
			}
		}
		wf, err := locked.ReadWork(oldPath)
		if err == nil {
			wf.Path = newPath
			if err := locked.WriteWork(wf); err != nil {
				return err
			}
			return locked.Delete(oldPath)
		}
		if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		return nil
	})
	if moveErr != nil {
		t.bus.Emit(events.Event{Kind: events.SyncConflict, Path: oldPath, Err: moveErr})
		return moveErr
	}

	if err := t.q.QueueData(ctx, oldPath, queue.MOVE, newPath, size); err != nil {
		return err
	}
	t.list.InvalidateContentCache(common.ParentOf(oldPath), false)
	t.list.InvalidateContentCache(common.ParentOf(newPath), false)
	return nil
}

// DeleteLocalDirectoryRecursive depth-first deletes local content under
// dir, retaining (and flagging) any file that fails canDelete.
func (t *Tree) DeleteLocalDirectoryRecursive(ctx context.Context, dir string) error {
	infos, err := t.local.List(dir)
	if err != nil {
		return err
	}

	conflicts := 0
	for _, info := range infos {
		if info.IsDirectory {
			if err := t.DeleteLocalDirectoryRecursive(ctx, info.Path); err != nil {
				return err
			}
			continue
		}

		entry, ok, err := t.q.Get(ctx, info.Path)
		if err != nil {
			return err
		}
		if ok && entry.Method == queue.PUT {
			t.bus.Emit(events.Event{Kind: events.SyncConflict, Path: info.Path})
			conflicts++
			continue
		}

		canDel, err := t.CanDelete(ctx, info.Path)
		if err != nil {
			return err
		}
		if !canDel {
			t.bus.Emit(events.Event{Kind: events.SyncConflict, Path: info.Path})
			conflicts++
			continue
		}

		if err := t.local.Delete(info.Path); err != nil {
			return err
		}
		if err := t.work.Delete(ctx, info.Path); err != nil {
			return err
		}
	}

	if conflicts > 0 {
		return nil
	}
	return t.local.DeleteDirectory(dir)
}

// RefreshWorkFiles rewrites the work-file baseline for every locally
// cached file under path; non-recursive unless deep is set (§6 Open
// Question decision).
func (t *Tree) RefreshWorkFiles(ctx context.Context, path string, deep bool) error {
	infos, err := t.local.List(path)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, info := range infos {
		if info.IsDirectory {
			if deep {
				if err := t.RefreshWorkFiles(ctx, info.Path, true); err != nil {
					return err
				}
			}
			continue
		}
		if err := t.work.RefreshWork(ctx, info.Path, info.LastModified); err != nil {
			return err
		}
	}
	return nil
}

// QueueData exposes the Request Queue's unified PUT/POST/DELETE/MOVE/COPY
// dispatch directly, for callers that already know the precise mutation
// (spec §4.4 "Delegates to Request Queue queueData").
func (t *Tree) QueueData(ctx context.Context, path string, method queue.Method, dest string, size int64) error {
	return t.q.QueueData(ctx, path, method, dest, size)
}

// ClearCache invalidates the List Cache entry for path (and its
// descendants if deep).
func (t *Tree) ClearCache(path string, deep bool) {
	t.list.InvalidateContentCache(path, deep)
}

// CheckCacheSizeAndConflicts starts the periodic sweep (spec §4.4) that
// emits cachesize with total queued bytes and syncconflict for any newly
// non-deletable file. Calling it while already running is a no-op.
func (t *Tree) CheckCacheSizeAndConflicts(ctx context.Context, interval time.Duration) {
	t.sweepMu.Lock()
	if t.sweepRunning {
		t.sweepMu.Unlock()
		return
	}
	t.sweepRunning = true
	t.sweepStopCh = make(chan struct{})
	t.sweepMu.Unlock()

	t.sweepWg.Add(1)
	go func() {
		defer t.sweepWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.sweepStopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.SweepOnce(ctx); err != nil {
					log.WithField("error", err).Warn("[overlay] cache sweep failed")
				}
			}
		}
	}()
}

// StopCacheSweep halts the periodic sweep started by
// CheckCacheSizeAndConflicts and waits for it to exit.
func (t *Tree) StopCacheSweep() {
	t.sweepMu.Lock()
	if !t.sweepRunning {
		t.sweepMu.Unlock()
		return
	}
	close(t.sweepStopCh)
	t.sweepMu.Unlock()

	t.sweepWg.Wait()

	t.sweepMu.Lock()
	t.sweepRunning = false
	t.sweepMu.Unlock()
}

// SweepOnce runs a single cache-size-and-conflicts pass, usable directly
// by tests and callers that want to force a sweep outside the ticker.
func (t *Tree) SweepOnce(ctx context.Context) error {
	stats, err := t.q.Stats(ctx)
	if err != nil {
		return err
	}
	t.bus.Emit(events.Event{Kind: events.CacheSize, Data: stats.TotalBytesQueued})
	return t.walkConflicts(ctx, "")
}

func (t *Tree) walkConflicts(ctx context.Context, dir string) error {
	infos, err := t.local.List(dir)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, info := range infos {
		if info.IsDirectory {
			if err := t.walkConflicts(ctx, info.Path); err != nil {
				return err
			}
			continue
		}
		if common.IsTempName(info.Path) {
			continue
		}
		canDel, err := t.CanDelete(ctx, info.Path)
		if err != nil {
			continue
		}
		if !canDel {
			t.emitConflictOnce(info.Path)
		}
	}
	return nil
}

func (t *Tree) emitConflictOnce(path string) {
	t.conflictMu.Lock()
	already := t.conflictSeen[path]
	t.conflictSeen[path] = true
	t.conflictMu.Unlock()
	if !already {
		t.bus.Emit(events.Event{Kind: events.SyncConflict, Path: path})
	}
}

// ResolveConflict discharges a flagged syncconflict (spec §4.9 supplement).
func (t *Tree) ResolveConflict(ctx context.Context, path string, resolution ConflictResolution) error {
	switch resolution {
	case KeepLocal:
		info, err := t.local.Stat(path)
		if err != nil {
			return err
		}
		if err := t.q.Enqueue(ctx, path, queue.PUT, info.Size); err != nil {
			return err
		}
		return t.work.RefreshWork(ctx, path, info.LastModified)

	case KeepRemote:
		if t.local.Exists(path) {
			if err := t.local.Delete(path); err != nil {
				return err
			}
		}
		if err := t.work.Delete(ctx, path); err != nil {
			return err
		}
		_, err := t.ensureLocal(ctx, path)
		return err

	case KeepBoth:
		aside := asideName(path)
		if t.local.Exists(path) {
			if err := t.local.Rename(path, aside); err != nil {
				return err
			}
		}
		return t.ResolveConflict(ctx, path, KeepRemote)

	default:
		return fmt.Errorf("%w: unknown conflict resolution %d", common.ErrInvalidPath, resolution)
	}
}

func asideName(path string) string {
	dir := common.ParentOf(path)
	name := common.NameOf(path)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return common.JoinPath(dir, base+" (local)"+ext)
}

func isNotFound(err error) bool {
	if errors.Is(err, common.ErrNotFound) {
		return true
	}
	var statusErr *common.RemoteStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusNotFound
	}
	return false
}

func fromRemote(e remote.Entry) Entry {
	return Entry{Path: e.Path, IsDirectory: e.IsDirectory, Size: e.Size, LastModified: e.LastModified}
}

func fromLocal(i local.Info) Entry {
	return Entry{Path: i.Path, IsDirectory: i.IsDirectory, Size: i.Size, LastModified: i.LastModified}
}

func fromLocalSlice(infos []local.Info) []Entry {
	out := make([]Entry, 0, len(infos))
	for _, i := range infos {
		out = append(out, fromLocal(i))
	}
	return out
}
