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

package common

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// unicodeNormalizeDisabled mirrors the noUnicodeNormalize config knob
// (spec §6). Off by default, matching the spec's "unless explicitly
// disabled". Set once at startup via SetUnicodeNormalizeDisabled, before
// any path operation runs.
var unicodeNormalizeDisabled bool

// SetUnicodeNormalizeDisabled configures whether NormalizePath applies
// canonical unicode decomposition (NFD). Intended to be called once during
// process startup from the loaded Share config.
func SetUnicodeNormalizeDisabled(disabled bool) {
	unicodeNormalizeDisabled = disabled
}

// NormalizePath cleans a path, removing leading/trailing slashes, and
// applies canonical unicode decomposition per spec §4.1 unless disabled via
// SetUnicodeNormalizeDisabled.
func NormalizePath(path string) string {
	path = filepath.Clean(path)
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "." {
		return ""
	}
	return Normalize(path, unicodeNormalizeDisabled)
}

// SplitPath splits a path into its components
func SplitPath(path string) []string {
	path = NormalizePath(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// JoinPath joins path components
func JoinPath(parts ...string) string {
	return NormalizePath(filepath.Join(parts...))
}

// ParentPath returns the parent directory of a path
func ParentPath(path string) string {
	path = NormalizePath(path)
	if path == "" {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the base name of a path
func BaseName(path string) string {
	path = NormalizePath(path)
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}

// IsTempName reports whether the final path segment begins with a dot.
// Temp paths are never synchronized to the remote.
func IsTempName(path string) bool {
	name := BaseName(path)
	return strings.HasPrefix(name, ".")
}

// ParentOf is an alias of ParentPath matching the spec's component naming.
func ParentOf(path string) string {
	return ParentPath(path)
}

// NameOf is an alias of BaseName matching the spec's component naming.
func NameOf(path string) string {
	return BaseName(path)
}

// Normalize applies canonical unicode decomposition (NFD) to s unless
// disabled is set, matching the noUnicodeNormalize configuration knob.
func Normalize(s string, disabled bool) string {
	if disabled {
		return s
	}
	return norm.NFD.String(s)
}

// Equals compares two paths under normalization, so that visually
// identical paths encoded with different unicode decompositions compare
// equal.
func Equals(a, b string, noUnicodeNormalize bool) bool {
	// Clean without NormalizePath, whose unicode step follows the
	// package-level toggle rather than noUnicodeNormalize.
	clean := func(p string) string {
		p = strings.TrimSuffix(strings.TrimPrefix(filepath.Clean(p), "/"), "/")
		if p == "." {
			return ""
		}
		return p
	}
	return Normalize(clean(a), noUnicodeNormalize) == Normalize(clean(b), noUnicodeNormalize)
}
