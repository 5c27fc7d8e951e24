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

// Package upload implements the Chunked Uploader (spec §4.6): streams a
// local file to the remote asset endpoint in fixed-size chunks, with
// retry, pause/abort, and progress reporting.
package upload

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"rqtree/internal/common"
	"rqtree/internal/events"
	"rqtree/internal/remote"
)

// Config holds the uploader's retry/chunking policy (spec §6 Configuration).
type Config struct {
	ChunkSize  int64
	MaxRetries int
	RetryDelay time.Duration
}

// Uploader streams a ReaderAt to a remote.Backend in fixed-size chunks.
type Uploader struct {
	cfg    Config
	remote remote.Backend
	bus    *events.Bus
}

// New creates an Uploader backed by rem, publishing lifecycle events on bus.
func New(cfg Config, rem remote.Backend, bus *events.Bus) *Uploader {
	return &Uploader{cfg: cfg, remote: rem, bus: bus}
}

// OnChunkFunc is invoked between chunks with the next offset to write and
// the total size; returning true cancels the upload (success-so-far, no
// error), matching spec §4.6's onChunk(nextOffset, totalSize, cb) contract.
type OnChunkFunc func(nextOffset, totalSize int64) bool

// Request describes one upload.
type Request struct {
	Path       string
	Content    io.ReaderAt
	TotalSize  int64
	IsCreate   bool // POST (new) vs PUT (replace)
	FromOffset int64
	OnChunk    OnChunkFunc
}

// Upload streams req.Content to the remote in chunks. It emits exactly one
// syncfilestart before the first attempt, and exactly one of syncfileend
// (success or user-cancel) or syncfileerr (exhausted retries / access
// denied) at the end.
func (u *Uploader) Upload(ctx context.Context, req Request) error {
	session := uuid.New().String()
	log.WithFields(log.Fields{"path": req.Path, "session": session}).Debug("[upload] starting")
	u.bus.Emit(events.Event{Kind: events.SyncFileStart, Path: req.Path, Method: method(req.IsCreate)})

	offset := req.FromOffset
	start := time.Now()
	first := true

	for offset < req.TotalSize {
		length := req.TotalSize - offset
		if length > u.cfg.ChunkSize {
			length = u.cfg.ChunkSize
		}

		section := io.NewSectionReader(req.Content, offset, length)
		up := remote.ChunkUpload{
			Path:      req.Path,
			Offset:    offset,
			Length:    length,
			Total:     req.TotalSize,
			Completed: offset+length >= req.TotalSize,
			Chunk:     section,
			IsCreate:  first && req.IsCreate,
		}

		if err := u.uploadChunkWithRetry(ctx, req.Path, session, up); err != nil {
			if errors.Is(err, common.ErrAccessDenied) {
				u.bus.Emit(events.Event{Kind: events.SyncFileErr, Path: req.Path, Err: err})
				return err
			}
			u.bus.Emit(events.Event{Kind: events.SyncFileErr, Path: req.Path, Err: err})
			return err
		}

		offset += length
		first = false

		elapsed := time.Since(start).Seconds()
		var rate float64
		if elapsed > 0 {
			rate = float64(offset-req.FromOffset) / elapsed
		}
		u.bus.Emit(events.Event{
			Kind: events.SyncFileProgress,
			Path: req.Path,
			Data: events.Progress{Read: offset, Total: req.TotalSize, Rate: rate},
		})

		if offset >= req.TotalSize {
			break
		}

		if req.OnChunk != nil && req.OnChunk(offset, req.TotalSize) {
			u.bus.Emit(events.Event{Kind: events.SyncFileAbort, Path: req.Path})
			u.bus.Emit(events.Event{Kind: events.SyncFileEnd, Path: req.Path})
			return nil
		}
	}

	u.bus.Emit(events.Event{Kind: events.SyncFileEnd, Path: req.Path})
	return nil
}

// uploadChunkWithRetry retries the same chunk up to cfg.MaxRetries times on
// failure, sleeping cfg.RetryDelay between attempts (fixed delay, not
// backoff, per spec §4.6). Retries reset on a successful chunk. An
// access-denied response fails immediately with no retry.
func (u *Uploader) uploadChunkWithRetry(ctx context.Context, path, session string, up remote.ChunkUpload) error {
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			// up.Chunk is an *io.SectionReader; rewind it for each retry.
			if sr, ok := up.Chunk.(*io.SectionReader); ok {
				sr.Seek(0, io.SeekStart)
			}
			err := u.remote.UploadChunk(ctx, up)
			if err != nil && !errors.Is(err, common.ErrAccessDenied) {
				log.WithFields(log.Fields{"path": path, "session": session, "offset": up.Offset, "attempt": attempt}).
					Warn("[upload] chunk failed, retrying")
			}
			return err
		},
		retry.Attempts(uint(u.cfg.MaxRetries+1)),
		retry.Delay(u.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, common.ErrAccessDenied) }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	return err
}

func method(isCreate bool) string {
	if isCreate {
		return "POST"
	}
	return "PUT"
}
