package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rqtree/internal/common"
)

func TestHTTPBackendOpenReturnsSizeAndLastModified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", time.Unix(1700000000, 0).UTC().Format(http.TimeFormat))
		w.Write([]byte("/somefile"))
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	h, err := b.Open(context.Background(), "/somefile")
	require.NoError(t, err)
	defer h.Close()

	assert.EqualValues(t, 9, h.Size)
	assert.False(t, h.LastModified.IsZero())
}

func TestHTTPBackendOpenNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	_, err := b.Open(context.Background(), "/missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestHTTPBackendList(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"name":"a.txt","isDirectory":false,"size":3,"lastModified":1700000000000}]`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	entries, err := b.List(context.Background(), "/folder")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "folder/a.txt", entries[0].Path)
	assert.EqualValues(t, 3, entries[0].Size)
}

func TestHTTPBackendRenameSetsHeaders(t *testing.T) {
	t.Parallel()

	var gotDest, gotDepth, gotOverwrite string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDest = r.Header.Get("X-Destination")
		gotDepth = r.Header.Get("X-Depth")
		gotOverwrite = r.Header.Get("X-Overwrite")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	err := b.Rename(context.Background(), "/a", "/b")
	require.NoError(t, err)
	assert.Equal(t, "/b", gotDest)
	assert.Equal(t, "infinity", gotDepth)
	assert.Equal(t, "F", gotOverwrite)
}

func TestHTTPBackendUploadChunkFirstChunkCreatePostsWithLength(t *testing.T) {
	t.Parallel()

	var gotMethod, gotLength string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotLength = r.FormValue("file@Length")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	err := b.UploadChunk(context.Background(), ChunkUpload{
		Path:     "/new.bin",
		Offset:   0,
		Total:    10,
		Chunk:    strings.NewReader("0123456789"),
		IsCreate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "10", gotLength)
}

func TestHTTPBackendUploadChunkLaterChunkOmitsLengthAndUsesPut(t *testing.T) {
	t.Parallel()

	var gotMethod string
	lengthSeen := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		if r.FormValue("file@Length") != "" {
			lengthSeen = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Second)
	err := b.UploadChunk(context.Background(), ChunkUpload{
		Path:     "/new.bin",
		Offset:   10,
		Total:    20,
		Chunk:    strings.NewReader("0123456789"),
		IsCreate: false,
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.False(t, lengthSeen, "only the first chunk carries file@Length")
}
