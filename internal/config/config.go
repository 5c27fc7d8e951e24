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

// Package config loads and defaults the per-share configuration recognized
// by the RQ tree (spec §6 Configuration).
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Share is the YAML-tagged configuration for one RQ tree share.
type Share struct {
	ContentCacheTTLMS  int64    `yaml:"contentCacheTTL"`
	ChunkUploadSizeMB  int64    `yaml:"chunkUploadSize"`
	MaxRetries         int      `yaml:"maxRetries"`
	RetryDelayMS       int64    `yaml:"retryDelay"`
	WorkPath           string   `yaml:"work.path"`
	NoProcessor        bool     `yaml:"noprocessor"`
	NoUnicodeNormalize bool     `yaml:"noUnicodeNormalize"`

	Sync SyncFilterConfig `yaml:"sync"`
}

// SyncFilterConfig configures the supplemental path-exclude filter (§1.6).
type SyncFilterConfig struct {
	Excludes     []string `yaml:"excludes"`
	GitignorePath string  `yaml:"gitignorePath"`
}

// Defaults per spec §6.
const (
	DefaultContentCacheTTL = 30 * time.Second
	DefaultChunkUploadSize = 10 << 20 // 10 MB
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = 3 * time.Second
)

// ApplyDefaults fills zero-value fields with the spec's documented
// defaults, mirroring the teacher's ProjectConfig.ApplyDefaults.
func (c *Share) ApplyDefaults() {
	if c.ContentCacheTTLMS == 0 {
		c.ContentCacheTTLMS = DefaultContentCacheTTL.Milliseconds()
	}
	if c.ChunkUploadSizeMB == 0 {
		c.ChunkUploadSizeMB = DefaultChunkUploadSize / (1 << 20)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelayMS == 0 {
		c.RetryDelayMS = DefaultRetryDelay.Milliseconds()
	}
	if c.WorkPath == "" {
		c.WorkPath = defaultWorkPath()
	}
}

// ContentCacheTTL returns the configured TTL as a time.Duration.
func (c *Share) ContentCacheTTL() time.Duration {
	return time.Duration(c.ContentCacheTTLMS) * time.Millisecond
}

// ChunkUploadSize returns the configured chunk size in bytes.
func (c *Share) ChunkUploadSize() int64 {
	return c.ChunkUploadSizeMB << 20
}

// RetryDelay returns the configured uploader retry delay.
func (c *Share) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// defaultWorkPath mirrors the teacher's getConfigDir: an RQTREE_WORK_PATH
// env var override, falling back to ~/.rqtree.
func defaultWorkPath() string {
	if dir := os.Getenv("RQTREE_WORK_PATH"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".rqtree")
}

// Load reads and defaults a Share config from a YAML file. A missing file
// is not an error: it returns a defaulted zero-value config.
func Load(path string) (*Share, error) {
	var cfg Share
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
