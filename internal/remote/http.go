package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"rqtree/internal/common"
)

// HTTPBackend talks to the remote asset repository over JSON-over-HTTP plus
// the WCM-command delete endpoint and createasset multipart upload endpoint
// described in spec §6. Built on resty, the HTTP client the pack uses for
// this role (grounded in materials-commons-hydra's go.mod; the teacher has
// no outbound HTTP client of its own).
type HTTPBackend struct {
	client  *resty.Client
	baseURL string
}

// listEntry mirrors the opaque JSON shape returned for a directory listing.
type listEntry struct {
	Name         string `json:"name"`
	IsDirectory  bool   `json:"isDirectory"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModified"` // epoch millis
}

// NewHTTPBackend constructs a Backend backed by baseURL with the given
// request timeout.
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0) // retry is the uploader/sync processor's concern, not the transport's

	return &HTTPBackend{client: c, baseURL: baseURL}
}

func assetURL(path string) string {
	return "/" + url.PathEscape(path)
}

func (b *HTTPBackend) List(ctx context.Context, parent string) ([]Entry, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("path", parent).
		Get(assetURL(parent) + ".json")
	if err != nil {
		return nil, fmt.Errorf("remote list %q: %w", parent, err)
	}
	if resp.IsError() {
		return nil, &common.RemoteStatusError{Code: resp.StatusCode(), Path: parent}
	}

	var raw []listEntry
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding listing for %q: %v", common.ErrParse, parent, err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, Entry{
			Path:         common.JoinPath(parent, e.Name),
			IsDirectory:  e.IsDirectory,
			Size:         e.Size,
			LastModified: time.UnixMilli(e.LastModified),
		})
	}
	return entries, nil
}

func (b *HTTPBackend) Stat(ctx context.Context, path string) (Entry, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		Head(assetURL(path))
	if err != nil {
		return Entry{}, fmt.Errorf("remote stat %q: %w", path, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Entry{}, common.ErrNotFound
	}
	if resp.IsError() {
		return Entry{}, &common.RemoteStatusError{Code: resp.StatusCode(), Path: path}
	}

	lm := resp.Header().Get("Last-Modified")
	t, _ := http.ParseTime(lm)
	size, _ := strconv.ParseInt(resp.Header().Get("Content-Length"), 10, 64)

	return Entry{Path: path, Size: size, LastModified: t}, nil
}

func (b *HTTPBackend) Open(ctx context.Context, path string) (*Handle, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(assetURL(path))
	if err != nil {
		return nil, fmt.Errorf("%w: opening %q: %v", common.ErrNetwork, path, err)
	}
	raw := resp.RawResponse
	if raw.StatusCode == http.StatusNotFound {
		raw.Body.Close()
		return nil, common.ErrNotFound
	}
	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		raw.Body.Close()
		return nil, &common.RemoteStatusError{Code: raw.StatusCode, Path: path}
	}

	lm := raw.Header.Get("Last-Modified")
	t, _ := http.ParseTime(lm)

	return &Handle{
		ReadCloser:   raw.Body,
		Size:         raw.ContentLength,
		LastModified: t,
	}, nil
}

func (b *HTTPBackend) CreateDirectory(ctx context.Context, path string) error {
	resp, err := b.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"jcr:primaryType": "sling:Folder"}).
		Post(assetURL(path))
	if err != nil {
		return fmt.Errorf("%w: creating directory %q: %v", common.ErrNetwork, path, err)
	}
	if resp.IsError() {
		return &common.RemoteStatusError{Code: resp.StatusCode(), Path: path}
	}
	return nil
}

// Delete issues the WCM-command delete endpoint.
func (b *HTTPBackend) Delete(ctx context.Context, path string) error {
	resp, err := b.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"cmd":   "deletePage",
			"path":  path,
			"force": "true",
		}).
		Post("/bin/wcmcommand")
	if err != nil {
		return fmt.Errorf("%w: deleting %q: %v", common.ErrNetwork, path, err)
	}
	if resp.StatusCode() == http.StatusLocked {
		return common.ErrAccessDenied
	}
	if resp.IsError() {
		return &common.RemoteStatusError{Code: resp.StatusCode(), Path: path}
	}
	return nil
}

// Rename performs a WebDAV-style MOVE with the headers spec §6 names.
func (b *HTTPBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("X-Destination", newPath).
		SetHeader("X-Depth", "infinity").
		SetHeader("X-Overwrite", "F").
		Execute("MOVE", assetURL(oldPath))
	if err != nil {
		return fmt.Errorf("%w: renaming %q -> %q: %v", common.ErrNetwork, oldPath, newPath, err)
	}
	if resp.StatusCode() == http.StatusLocked {
		return common.ErrAccessDenied
	}
	if resp.IsError() {
		return &common.RemoteStatusError{Code: resp.StatusCode(), Path: newPath}
	}
	return nil
}

// UploadChunk posts one multipart chunk to the createasset endpoint using
// the field names spec §6 specifies verbatim. Only the first chunk (offset
// 0) carries the file@Length header; later chunks in the same sequence omit
// it, per §4.6's "first request carries initial-chunk headers; subsequent
// requests omit them". up.IsCreate picks the HTTP method: POST for a new
// asset, PUT to replace an existing one.
func (b *HTTPBackend) UploadChunk(ctx context.Context, up ChunkUpload) error {
	data, err := io.ReadAll(up.Chunk)
	if err != nil {
		return fmt.Errorf("reading chunk for %q: %w", up.Path, err)
	}

	fields := map[string]string{
		"_charset_":      "utf-8",
		"file@Offset":    strconv.FormatInt(up.Offset, 10),
		"chunk@Length":   strconv.FormatInt(int64(len(data)), 10),
		"file@Completed": strconv.FormatBool(up.Completed),
	}
	if up.Offset == 0 {
		fields["file@Length"] = strconv.FormatInt(up.Total, 10)
	}

	req := b.client.R().
		SetContext(ctx).
		SetFormData(fields).
		SetFileReader("file", common.BaseName(up.Path), bytes.NewReader(data))

	var resp *resty.Response
	if up.IsCreate {
		resp, err = req.Post("/bin/createasset")
	} else {
		resp, err = req.Put("/bin/createasset")
	}
	if err != nil {
		return fmt.Errorf("%w: uploading chunk for %q at offset %d: %v", common.ErrNetwork, up.Path, up.Offset, err)
	}
	if resp.StatusCode() == http.StatusLocked {
		return common.ErrAccessDenied
	}
	if resp.IsError() {
		return &common.RemoteStatusError{Code: resp.StatusCode(), Path: up.Path}
	}

	log.WithFields(log.Fields{"path": up.Path, "offset": up.Offset, "length": len(data)}).Trace("[remote] chunk uploaded")
	return nil
}
