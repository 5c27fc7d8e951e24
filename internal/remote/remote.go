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

// Package remote defines the pluggable Remote backend leaf interface (spec
// §6) and an HTTP JSON/asset implementation of it.
package remote

import (
	"context"
	"io"
	"time"
)

// Entry is a single listing result from the remote backend.
type Entry struct {
	Path         string
	IsDirectory  bool
	Size         int64
	LastModified time.Time
}

// Handle is an open remote file: a readable stream plus the attributes the
// Download Coordinator needs to report a consistent size to concurrent
// waiters (spec §4.5).
type Handle struct {
	io.ReadCloser
	Size         int64
	LastModified time.Time
}

// ChunkUpload describes one chunk of a multipart asset upload, matching the
// wire fields in spec §6: _charset_, file@Offset, chunk@Length,
// file@Length, file@Completed, file.
type ChunkUpload struct {
	Path      string
	Offset    int64
	Length    int64
	Total     int64
	Completed bool
	Chunk     io.Reader
	IsCreate  bool // POST (new) vs PUT (replace)
}

// Backend is the pluggable remote leaf interface that the Overlay Tree,
// Download Coordinator and Chunked Uploader consume. Out of scope per spec
// §1: the concrete implementation's own HTTP/JSON transport details are an
// external collaborator from the Tree's point of view, but this package
// does provide one concrete implementation (HTTPBackend) since the HTTP
// transport library itself (resty) is in scope for this module to wire.
type Backend interface {
	// List returns the direct children of parent.
	List(ctx context.Context, parent string) ([]Entry, error)
	// Open fetches the full content of path.
	Open(ctx context.Context, path string) (*Handle, error)
	// Stat returns metadata without fetching content.
	Stat(ctx context.Context, path string) (Entry, error)
	// CreateDirectory issues an immediate remote directory create.
	CreateDirectory(ctx context.Context, path string) error
	// Delete removes path (file or empty directory) on the remote.
	Delete(ctx context.Context, path string) error
	// Rename moves oldPath to newPath on the remote. HTTPBackend sends
	// X-Overwrite: F, asking the server not to replace an existing newPath.
	Rename(ctx context.Context, oldPath, newPath string) error
	// UploadChunk posts one multipart chunk of an asset upload.
	UploadChunk(ctx context.Context, up ChunkUpload) error
}
