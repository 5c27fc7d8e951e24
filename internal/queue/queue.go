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

// Package queue implements the Request Queue (spec §4.3): a durable,
// ordered list of pending remote mutations keyed by (parent, name), with
// path-aware coalescing of create/update/delete/move/copy.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/uptrace/bun"
	log "github.com/sirupsen/logrus"

	"rqtree/internal/common"
	"rqtree/internal/dbutil"
)

// Method is a queued mutation kind.
type Method string

const (
	PUT    Method = "PUT"
	POST   Method = "POST"
	DELETE Method = "DELETE"
	MOVE   Method = "MOVE"
	COPY   Method = "COPY"
)

// Entry is a pending remote mutation (spec §3 QueueEntry).
type Entry struct {
	ID          int64
	Parent      string
	Name        string
	Method      Method
	Destination string
	Timestamp   time.Time
	Retries     int
	Size        int64
}

func (e Entry) Path() string { return common.JoinPath(e.Parent, e.Name) }

type model struct {
	bun.BaseModel `bun:"table:queue_entries,alias:q"`

	ID          int64  `bun:",pk,autoincrement"`
	Parent      string `bun:"parent"`
	Name        string `bun:"name"`
	Method      string `bun:"method"`
	Destination string `bun:"destination"`
	Timestamp   int64  `bun:"timestamp"`
	Retries     int    `bun:"retries"`
	Size        int64  `bun:"size"`
}

func (m *model) toEntry() Entry {
	return Entry{
		ID:          m.ID,
		Parent:      m.Parent,
		Name:        m.Name,
		Method:      Method(m.Method),
		Destination: m.Destination,
		Timestamp:   time.UnixMilli(m.Timestamp).UTC(),
		Retries:     m.Retries,
		Size:        m.Size,
	}
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS queue_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent TEXT NOT NULL,
		name TEXT NOT NULL,
		method TEXT NOT NULL,
		destination TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		UNIQUE(parent, name)
	)`,
}

// Queue is a durable, ordered Request Queue. A single Queue instance is
// shared between the Overlay Tree (enqueue) and the Sync Processor (drain),
// per spec §3 ("The Sync Processor shares the Request Queue with the
// Overlay").
type Queue struct {
	db   *bun.DB
	path string
}

// Open opens (creating if needed) the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := dbutil.Open(path, ddl)
	if err != nil {
		return nil, err
	}
	return &Queue{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// lookup returns the current entry for (parent, name), if any.
func (q *Queue) lookup(ctx context.Context, parent, name string) (*model, error) {
	var m model
	err := q.db.NewSelect().Model(&m).Where("parent = ? AND name = ?", parent, name).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (q *Queue) upsert(ctx context.Context, parent, name string, method Method, dest string, size int64) error {
	m := &model{
		Parent:      parent,
		Name:        name,
		Method:      string(method),
		Destination: dest,
		Timestamp:   time.Now().UnixMilli(),
		Size:        size,
	}
	_, err := q.db.NewInsert().
		Model(m).
		On("CONFLICT (parent, name) DO UPDATE").
		Set("method = EXCLUDED.method").
		Set("destination = EXCLUDED.destination").
		Set("timestamp = EXCLUDED.timestamp").
		Set("size = EXCLUDED.size").
		Exec(ctx)
	return err
}

func (q *Queue) clear(ctx context.Context, parent, name string) error {
	_, err := q.db.NewDelete().Model((*model)(nil)).Where("parent = ? AND name = ?", parent, name).Exec(ctx)
	return err
}

// coalesce applies the table in spec §4.3: the incoming method against the
// existing (possibly absent) queued method for the same (parent, name).
// ok is false when the net effect is "remove entry".
func coalesce(incoming Method, existing Method, hasExisting bool) (result Method, ok bool) {
	if !hasExisting {
		return incoming, true
	}
	switch incoming {
	case PUT:
		switch existing {
		case PUT:
			return PUT, true
		case POST, DELETE:
			return POST, true
		}
	case POST:
		switch existing {
		case PUT:
			return PUT, true
		case POST, DELETE:
			return POST, true
		}
	case DELETE:
		switch existing {
		case PUT:
			return "", false // remove entry
		case POST, DELETE:
			return DELETE, true
		}
	}
	return incoming, true
}

// Enqueue applies the coalescing rule for a simple PUT/POST/DELETE mutation
// on path. size is the byte size of the local file for PUT/POST (callers
// pass 0 for DELETE); it is stored with the entry and summed by Stats().
func (q *Queue) Enqueue(ctx context.Context, path string, method Method, size int64) error {
	if common.IsTempName(path) {
		// Invariant 4 (spec §8): no entry in the Request Queue has a temp name.
		log.WithFields(log.Fields{"path": path, "method": method}).Debug("[queue] refusing to enqueue temp path")
		return nil
	}

	parent, name := common.ParentOf(path), common.NameOf(path)
	existing, err := q.lookup(ctx, parent, name)
	if err != nil {
		return fmt.Errorf("%w: looking up %q: %v", common.ErrIO, path, err)
	}

	var existingMethod Method
	hasExisting := existing != nil
	if hasExisting {
		existingMethod = Method(existing.Method)
	}

	result, ok := coalesce(method, existingMethod, hasExisting)
	if !ok {
		return q.clear(ctx, parent, name)
	}
	return q.upsert(ctx, parent, name, result, "", size)
}

// Get returns the current queue entry for path, if any.
func (q *Queue) Get(ctx context.Context, path string) (Entry, bool, error) {
	parent, name := common.ParentOf(path), common.NameOf(path)
	m, err := q.lookup(ctx, parent, name)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: looking up %q: %v", common.ErrIO, path, err)
	}
	if m == nil {
		return Entry{}, false, nil
	}
	return m.toEntry(), true, nil
}

// QueueMove implements MOVE semantics (spec §4.3, Table 2).
func (q *Queue) QueueMove(ctx context.Context, path, dest string, size int64) error {
	srcTemp := common.IsTempName(path)
	dstTemp := common.IsTempName(dest)
	srcParent, srcName := common.ParentOf(path), common.NameOf(path)

	existing, err := q.lookup(ctx, srcParent, srcName)
	if err != nil {
		return fmt.Errorf("%w: looking up %q: %v", common.ErrIO, path, err)
	}
	if err := q.clear(ctx, srcParent, srcName); err != nil {
		return fmt.Errorf("%w: clearing %q: %v", common.ErrIO, path, err)
	}

	switch {
	case srcTemp && dstTemp:
		return nil
	case srcTemp && !dstTemp:
		return q.Enqueue(ctx, dest, PUT, size)
	case !srcTemp && dstTemp:
		if existing == nil {
			// normal-cached -> temp: the remote original must be removed.
			return q.Enqueue(ctx, path, DELETE, 0)
		}
		// normal-queued -> temp: clearing above was sufficient.
		return nil
	default: // normal -> normal
		if existing != nil && Method(existing.Method) == PUT {
			// Source never reached the remote; just relocate the pending create.
			return q.Enqueue(ctx, dest, PUT, size)
		}
		// Source has (or had) a remote copy: delete it and create anew at dest.
		if err := q.Enqueue(ctx, path, DELETE, 0); err != nil {
			return err
		}
		return q.Enqueue(ctx, dest, PUT, size)
	}
}

// QueueCopy implements COPY semantics (spec §4.3): the source is always
// left unchanged; the destination gets its natural effect (PUT), unless
// the destination is a temp path, which is never queued.
func (q *Queue) QueueCopy(ctx context.Context, dest string, size int64) error {
	if common.IsTempName(dest) {
		return nil
	}
	return q.Enqueue(ctx, dest, PUT, size)
}

// QueueData is the entry point the Overlay Tree's rename/copy operations
// call (spec §4.4's "Delegates to Request Queue queueData with MOVE
// semantics").
func (q *Queue) QueueData(ctx context.Context, path string, method Method, dest string, size int64) error {
	switch method {
	case MOVE:
		return q.QueueMove(ctx, path, dest, size)
	case COPY:
		return q.QueueCopy(ctx, dest, size)
	default:
		return q.Enqueue(ctx, path, method, size)
	}
}

// Head returns the oldest entry queued for parent, if any.
func (q *Queue) Head(ctx context.Context, parent string) (Entry, bool, error) {
	var m model
	err := q.db.NewSelect().Model(&m).
		Where("parent = ?", parent).
		OrderExpr("id ASC").
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: head(%q): %v", common.ErrIO, parent, err)
	}
	return m.toEntry(), true, nil
}

// Peek returns the globally oldest entry in the queue, if any, without
// removing it.
func (q *Queue) Peek(ctx context.Context) (Entry, bool, error) {
	var m model
	err := q.db.NewSelect().Model(&m).OrderExpr("id ASC").Limit(1).Scan(ctx)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: peek: %v", common.ErrIO, err)
	}
	return m.toEntry(), true, nil
}

// Iterate calls fn for every entry in global insertion order. Iteration
// stops at the first error fn returns.
func (q *Queue) Iterate(ctx context.Context, fn func(Entry) error) error {
	var models []model
	if err := q.db.NewSelect().Model(&models).OrderExpr("id ASC").Scan(ctx); err != nil {
		return fmt.Errorf("%w: iterate: %v", common.ErrIO, err)
	}
	for _, m := range models {
		if err := fn(m.toEntry()); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes entry from the queue. Not an error if already gone.
func (q *Queue) Remove(ctx context.Context, entry Entry) error {
	_, err := q.db.NewDelete().Model((*model)(nil)).Where("id = ?", entry.ID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: removing entry %d: %v", common.ErrIO, entry.ID, err)
	}
	return nil
}

// IncrementRetry bumps the retry counter for entry and returns the new
// count.
func (q *Queue) IncrementRetry(ctx context.Context, entry Entry) (int, error) {
	_, err := q.db.NewUpdate().Model((*model)(nil)).
		Set("retries = retries + 1").
		Where("id = ?", entry.ID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: incrementing retry for entry %d: %v", common.ErrIO, entry.ID, err)
	}
	return entry.Retries + 1, nil
}

// MarkPurged removes a poison entry from the queue after it has exhausted
// its retry budget (spec §4.7). Purging is terminal: the entry does not
// reappear.
func (q *Queue) MarkPurged(ctx context.Context, entry Entry) error {
	log.WithFields(log.Fields{"path": entry.Path(), "method": entry.Method, "retries": entry.Retries}).
		Warn("[queue] purging poison entry")
	return q.Remove(ctx, entry)
}

// Stats summarizes the live queue state (supplemented feature, §4.10).
type Stats struct {
	Pending          int
	Retrying         int
	TotalBytesQueued int64
}

// Stats computes pending/retrying counts and total queued bytes.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := q.Iterate(ctx, func(e Entry) error {
		if e.Retries > 0 {
			stats.Retrying++
		} else {
			stats.Pending++
		}
		stats.TotalBytesQueued += e.Size
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Compact rewrites the durable queue table, reclaiming space freed by
// deleted/superseded entries. Grounded in the teacher's epoch-compaction
// concept (internal/storage/snapshot.go): periodic rewrite of append-only
// state, generalized here to a plain VACUUM since the queue table itself
// already holds only live entries (coalescing deletes superseded rows
// eagerly rather than leaving tombstones to sweep).
func (q *Queue) Compact(ctx context.Context) error {
	lock := flock.New(q.path + ".compact.lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: acquiring compaction lock: %v", common.ErrIO, err)
	}
	if !locked {
		// Another process is already compacting; not an error, just a no-op.
		return nil
	}
	defer lock.Unlock()

	if _, err := q.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("%w: compacting queue: %v", common.ErrIO, err)
	}
	return nil
}

