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

package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"rqtree/internal/cache"
	"rqtree/internal/common"
	"rqtree/internal/config"
	"rqtree/internal/download"
	"rqtree/internal/events"
	"rqtree/internal/local"
	"rqtree/internal/overlay"
	"rqtree/internal/queue"
	"rqtree/internal/remote"
	rqsync "rqtree/internal/sync"
	"rqtree/internal/syncfilter"
	"rqtree/internal/workfile"
)

// app bundles one share's fully wired collaborators — everything a CLI
// subcommand needs to exercise the Overlay Tree or drive a drain, the way
// the teacher's daemon wires a mount's DataFile/VFS pair.
type app struct {
	cfg   *config.Share
	tree  *overlay.Tree
	proc  *rqsync.Processor
	q     *queue.Queue
	work  *workfile.Store
	bus   *events.Bus
	close func() error
}

// openApp wires a share rooted at localRoot, talking to baseURL, with
// metadata under cfg.WorkPath.
func openApp(localRoot, baseURL, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	common.SetUnicodeNormalizeDisabled(cfg.NoUnicodeNormalize)

	loc, err := local.NewDisk(localRoot)
	if err != nil {
		return nil, fmt.Errorf("opening local root: %w", err)
	}

	rem := remote.NewHTTPBackend(baseURL, 30*time.Second)

	q, err := queue.Open(filepath.Join(cfg.WorkPath, "queue.db"))
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}

	work, err := workfile.Open(filepath.Join(cfg.WorkPath, "workfiles.db"))
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("opening work-file store: %w", err)
	}

	filter, err := syncfilter.Build(cfg.Sync.Excludes, cfg.Sync.GitignorePath)
	if err != nil {
		q.Close()
		work.Close()
		return nil, fmt.Errorf("building sync filter: %w", err)
	}

	bus := events.NewBus()
	list := cache.NewListCache(cfg.ContentCacheTTL())
	dl := download.NewCoordinator(bus)

	tree := overlay.New(overlay.Config{Tolerance: 2 * time.Second}, rem, loc, work, q, dl, list, bus, filter)

	proc := rqsync.New(rqsync.Config{
		Interval:   10 * time.Second,
		MaxRetries: cfg.MaxRetries,
		ChunkSize:  cfg.ChunkUploadSize(),
		RetryDelay: cfg.RetryDelay(),
		LockPath:   filepath.Join(cfg.WorkPath, "sync.lock"),
	}, q, work, rem, loc, list, bus)

	return &app{
		cfg:  cfg,
		tree: tree,
		proc: proc,
		q:    q,
		work: work,
		bus:  bus,
		close: func() error {
			proc.Stop()
			if err := q.Close(); err != nil {
				return err
			}
			return work.Close()
		},
	}, nil
}

func (a *app) Close() error {
	return a.close()
}
