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

// Package syncfilter implements the optional path-exclude filter (spec
// SPEC_FULL.md §1.6): gitignore-style globs, consulted by the Overlay Tree's
// CreateFile and Delete in addition to the mandatory temp-path rule. The
// Sync Processor does not consult it.
package syncfilter

import (
	"os"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Filter reports whether a path should be excluded from sync. A nil
// *Filter (or one built from empty configuration) excludes nothing,
// matching "absent configuration disables it".
type Filter struct {
	matcher *gitignore.GitIgnore
}

// Build constructs a Filter from literal exclude patterns and, optionally,
// a .gitignore-style file at gitignorePath. Either may be empty.
func Build(excludes []string, gitignorePath string) (*Filter, error) {
	lines := append([]string{}, excludes...)

	if gitignorePath != "" {
		content, err := os.ReadFile(gitignorePath)
		if err != nil {
			if os.IsNotExist(err) {
				return compile(lines)
			}
			return nil, err
		}
		lines = append(lines, strings.Split(string(content), "\n")...)
	}

	return compile(lines)
}

func compile(lines []string) (*Filter, error) {
	if len(lines) == 0 {
		return &Filter{}, nil
	}
	m := gitignore.CompileIgnoreLines(lines...)
	return &Filter{matcher: m}, nil
}

// Excludes reports whether path matches any configured exclude pattern.
func (f *Filter) Excludes(path string) bool {
	if f == nil || f.matcher == nil {
		return false
	}
	return f.matcher.MatchesPath(path)
}

