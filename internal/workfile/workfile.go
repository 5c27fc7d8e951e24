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

// Package workfile implements the Work-File Store (spec §4.2): per-cached
// content file sidecar metadata tracking the last point of reconciliation
// with the remote.
package workfile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"rqtree/internal/common"
	"rqtree/internal/dbutil"
)

// WorkFile is the per-cached-file sidecar metadata (spec §3).
type WorkFile struct {
	Path                string
	LastSyncDate        time.Time
	RemoteLastModified  time.Time
	OriginalName        string
}

type model struct {
	bun.BaseModel `bun:"table:work_files,alias:wf"`

	Path               string `bun:",pk"`
	LastSyncDate       int64  `bun:"last_sync_date"`
	RemoteLastModified int64  `bun:"remote_last_modified"`
	OriginalName       string `bun:"original_name"`
}

func (m *model) toWorkFile() WorkFile {
	return WorkFile{
		Path:               m.Path,
		LastSyncDate:       time.UnixMilli(m.LastSyncDate).UTC(),
		RemoteLastModified: time.UnixMilli(m.RemoteLastModified).UTC(),
		OriginalName:       m.OriginalName,
	}
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS work_files (
		path TEXT PRIMARY KEY,
		last_sync_date INTEGER NOT NULL,
		remote_last_modified INTEGER NOT NULL,
		original_name TEXT NOT NULL DEFAULT ''
	)`,
}

// Store persists WorkFile entries durably and guards per-path access per
// spec §5 ("Work-File Store: per-path exclusive; rename takes both source
// and destination locks in deterministic order").
type Store struct {
	db    *bun.DB
	locks *common.KeyedMutex
}

// Open opens (creating if needed) the work-file database at path.
func Open(path string) (*Store, error) {
	db, err := dbutil.Open(path, ddl)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, locks: common.NewKeyedMutex()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReadWork returns the work-file for path, or common.ErrNotFound if none
// exists.
func (s *Store) ReadWork(ctx context.Context, path string) (WorkFile, error) {
	unlock := s.locks.RLock(path)
	defer unlock()
	return s.readWorkLocked(ctx, path)
}

// readWorkLocked is ReadWork without acquiring locks.Lock/RLock(path),
// for callers (MoveLocked's fn) that already hold it.
func (s *Store) readWorkLocked(ctx context.Context, path string) (WorkFile, error) {
	var m model
	err := s.db.NewSelect().Model(&m).Where("path = ?", path).Scan(ctx)
	if err == sql.ErrNoRows {
		return WorkFile{}, common.ErrNotFound
	}
	if err != nil {
		return WorkFile{}, fmt.Errorf("%w: reading work-file for %q: %v", common.ErrIO, path, err)
	}
	return m.toWorkFile(), nil
}

// WriteWork upserts the work-file for wf.Path.
func (s *Store) WriteWork(ctx context.Context, wf WorkFile) error {
	unlock := s.locks.Lock(wf.Path)
	defer unlock()
	return s.writeWorkLocked(ctx, wf)
}

// writeWorkLocked is WriteWork without acquiring locks.Lock(wf.Path), for
// callers (MoveLocked's fn) that already hold it.
func (s *Store) writeWorkLocked(ctx context.Context, wf WorkFile) error {
	m := &model{
		Path:               wf.Path,
		LastSyncDate:       wf.LastSyncDate.UnixMilli(),
		RemoteLastModified: wf.RemoteLastModified.UnixMilli(),
		OriginalName:       wf.OriginalName,
	}
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (path) DO UPDATE").
		Set("last_sync_date = EXCLUDED.last_sync_date").
		Set("remote_last_modified = EXCLUDED.remote_last_modified").
		Set("original_name = EXCLUDED.original_name").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: writing work-file for %q: %v", common.ErrIO, wf.Path, err)
	}
	return nil
}

// RefreshWork sets lastSyncDate = now and copies localLastModified into the
// remoteLastModified baseline (spec §4.2). If no work-file exists yet, one
// is created with an empty originalName.
func (s *Store) RefreshWork(ctx context.Context, path string, localLastModified time.Time) error {
	unlock := s.locks.Lock(path)
	defer unlock()
	return s.refreshWorkLocked(ctx, path, localLastModified)
}

// refreshWorkLocked is RefreshWork without acquiring locks.Lock(path), for
// callers (MoveLocked's fn) that already hold it.
func (s *Store) refreshWorkLocked(ctx context.Context, path string, localLastModified time.Time) error {
	var existing model
	err := s.db.NewSelect().Model(&existing).Where("path = ?", path).Scan(ctx)
	originalName := ""
	if err == nil {
		originalName = existing.OriginalName
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("%w: refreshing work-file for %q: %v", common.ErrIO, path, err)
	}

	m := &model{
		Path:               path,
		LastSyncDate:       time.Now().UnixMilli(),
		RemoteLastModified: localLastModified.UnixMilli(),
		OriginalName:       originalName,
	}
	_, err = s.db.NewInsert().
		Model(m).
		On("CONFLICT (path) DO UPDATE").
		Set("last_sync_date = EXCLUDED.last_sync_date").
		Set("remote_last_modified = EXCLUDED.remote_last_modified").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: refreshing work-file for %q: %v", common.ErrIO, path, err)
	}
	return nil
}

// HasWork reports whether a work-file exists for path.
func (s *Store) HasWork(ctx context.Context, path string) (bool, error) {
	unlock := s.locks.RLock(path)
	defer unlock()
	_, err := s.readWorkLocked(ctx, path)
	if err == common.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the work-file for path, if any. Not an error if absent.
func (s *Store) Delete(ctx context.Context, path string) error {
	unlock := s.locks.Lock(path)
	defer unlock()
	return s.deleteLocked(ctx, path)
}

// deleteLocked is Delete without acquiring locks.Lock(path), for callers
// (MoveLocked's fn) that already hold it.
func (s *Store) deleteLocked(ctx context.Context, path string) error {
	_, err := s.db.NewDelete().Model((*model)(nil)).Where("path = ?", path).Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: deleting work-file for %q: %v", common.ErrIO, path, err)
	}
	return nil
}

// MoveLocked takes both oldPath and newPath locks in deterministic
// (lexicographic) order, then invokes fn, matching spec §5's deadlock
// avoidance requirement for rename. fn is passed a Locked value whose
// helpers take no locks and accept any path — it must not call the Store's public
// ReadWork/WriteWork/Delete/HasWork, which would re-acquire the same
// non-reentrant per-path lock MoveLocked already holds and deadlock.
func (s *Store) MoveLocked(ctx context.Context, oldPath, newPath string, fn func(Locked) error) error {
	first, second := oldPath, newPath
	if second < first {
		first, second = second, first
	}
	unlock1 := s.locks.Lock(first)
	defer unlock1()
	if second != first {
		unlock2 := s.locks.Lock(second)
		defer unlock2()
	}
	return fn(Locked{ctx: ctx, store: s})
}

// Locked exposes the Store operations MoveLocked's fn may call while the
// Store already holds the relevant per-path locks.
type Locked struct {
	ctx   context.Context
	store *Store
}

func (l Locked) ReadWork(path string) (WorkFile, error) {
	return l.store.readWorkLocked(l.ctx, path)
}

func (l Locked) WriteWork(wf WorkFile) error {
	return l.store.writeWorkLocked(l.ctx, wf)
}

func (l Locked) RefreshWork(path string, localLastModified time.Time) error {
	return l.store.refreshWorkLocked(l.ctx, path, localLastModified)
}

func (l Locked) Delete(path string) error {
	return l.store.deleteLocked(l.ctx, path)
}
