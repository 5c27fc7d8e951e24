package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTempName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"plain file", "foo/bar.txt", false},
		{"dotfile", "foo/.bar.txt", true},
		{"dotfile at root", ".bar", true},
		{"dot dir component not final", ".hidden/bar.txt", false},
		{"dot dir final segment", "foo/.hidden", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTempName(tt.path))
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	// The precomposed "é" should normalize to the same NFD form as the
	// combining sequence (e + combining acute).
	decomposed := "é"
	precomposed := "é"

	assert.Equal(t, decomposed, Normalize(precomposed, false))
	assert.Equal(t, precomposed, Normalize(precomposed, true), "normalization disabled should be a no-op")
}

func TestEquals(t *testing.T) {
	t.Parallel()

	decomposed := "/caf" + "é" + "/menu.pdf"
	precomposed := "/caf" + "é" + "/menu.pdf"

	assert.True(t, Equals(decomposed, precomposed, false))
	assert.False(t, Equals(decomposed, precomposed, true))
}

func TestParentOfAndNameOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a/b", ParentOf("a/b/c"))
	assert.Equal(t, "c", NameOf("a/b/c"))
}
