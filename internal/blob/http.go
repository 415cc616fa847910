package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTP stores objects behind a plain PUT/GET object endpoint. gs:// roots
// are served through the Cloud Storage XML API.
type HTTP struct {
	root string
	base string
	rest *resty.Client
}

func newHTTPStore(root string, opts Options) (*HTTP, error) {
	base := root
	if strings.HasPrefix(root, "gs://") {
		bucket := strings.TrimPrefix(root, "gs://")
		if bucket == "" {
			return nil, fmt.Errorf("blob: %s has no bucket", root)
		}
		base = gcsEndpoint + "/" + bucket
	}

	r := resty.New()
	if opts.Timeout > 0 {
		r.SetTimeout(opts.Timeout)
	} else {
		r.SetTimeout(30 * time.Second)
	}
	if opts.AuthToken != "" {
		r.SetAuthToken(opts.AuthToken)
	}

	return &HTTP{root: root, base: strings.TrimRight(base, "/"), rest: r}, nil
}

// NewHTTP returns a remote Store rooted at an http(s):// or gs:// URI.
func NewHTTP(root string, opts Options) (*HTTP, error) {
	if !IsRemote(root) {
		return nil, fmt.Errorf("blob: %s is not a remote URI", root)
	}
	return newHTTPStore(root, opts)
}

func (h *HTTP) Root() string { return h.root }

func (h *HTTP) Remote() bool { return true }

// URL returns the endpoint URL of name.
func (h *HTTP) URL(name string) string {
	return h.base + "/" + strings.TrimLeft(name, "/")
}

// Put uploads the whole object in one request. The endpoint does not accept
// streamed appends, so r is buffered first.
func (h *HTTP) Put(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("buffer %s: %w", name, err)
	}

	resp, err := h.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(bytes.NewReader(data)).
		Put(h.URL(name))
	if err != nil {
		return fmt.Errorf("put %s: %w", h.URL(name), err)
	}
	if resp.IsError() {
		return fmt.Errorf("put %s: status %d: %s", h.URL(name), resp.StatusCode(), resp.String())
	}
	return nil
}

func (h *HTTP) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := h.rest.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(h.URL(name))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", h.URL(name), err)
	}

	body := resp.RawBody()
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		body.Close()
		return nil, fmt.Errorf("%s: %w", h.URL(name), ErrNotFound)
	case resp.StatusCode() >= 300:
		body.Close()
		return nil, fmt.Errorf("get %s: status %d", h.URL(name), resp.StatusCode())
	}
	return body, nil
}
