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

// Package local defines the pluggable Local backend leaf interface (spec
// §6) and a disk-backed implementation of it.
package local

import (
	"context"
	"io"
	"time"

	"rqtree/internal/remote"
)

// Info describes a local file or directory.
type Info struct {
	Path         string
	IsDirectory  bool
	Size         int64
	LastModified time.Time
}

// Backend is the pluggable local leaf interface. It exposes the same
// surface as remote.Backend plus Download, which copies bytes through from
// a Remote backend — per spec §6, "A Local backend exposes the same
// surface plus a method to download(remote, path) which copies bytes
// through."
type Backend interface {
	Exists(path string) bool
	Stat(path string) (Info, error)
	List(path string) ([]Info, error)
	Open(path string) (io.ReadCloser, error)
	// Create writes content to path, creating parent directories as
	// needed, and returns the resulting Info.
	Create(path string, content io.Reader) (Info, error)
	Mkdir(path string) error
	Delete(path string) error
	DeleteDirectory(path string) error
	Rename(oldPath, newPath string) error

	// Download fetches path from remote and stores it locally, returning
	// the Info of the stored copy.
	Download(ctx context.Context, rem remote.Backend, path string) (Info, error)
}
