// Package blob provides a minimal object store over either the local
// filesystem or an HTTP object endpoint. Remote stores only accept whole
// objects: callers stage files locally and copy them over once complete.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("blob: object not found")

const gcsEndpoint = "https://storage.googleapis.com"

// Store is a flat-namespace object store rooted at a URI. Names may contain
// '/' separators.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Remote() bool
	Root() string
}

// Options configures remote stores.
type Options struct {
	Timeout   time.Duration
	AuthToken string
}

// IsRemote reports whether uri points at a remote object store.
func IsRemote(uri string) bool {
	return strings.HasPrefix(uri, "gs://") ||
		strings.HasPrefix(uri, "http://") ||
		strings.HasPrefix(uri, "https://")
}

// New returns the Store for root.
func New(root string, opts Options) (Store, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: empty root")
	}
	if IsRemote(root) {
		return newHTTPStore(root, opts)
	}
	return NewLocal(strings.TrimPrefix(root, "file://")), nil
}

// OpenURI opens a single object addressed by a full path or URI.
func OpenURI(ctx context.Context, uri string, opts Options) (io.ReadCloser, error) {
	if !IsRemote(uri) {
		f, err := os.Open(strings.TrimPrefix(uri, "file://"))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
			}
			return nil, err
		}
		return f, nil
	}

	dir, name := path.Split(uri)
	if name == "" {
		return nil, fmt.Errorf("blob: %s does not name an object", uri)
	}
	s, err := newHTTPStore(strings.TrimSuffix(dir, "/"), opts)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, name)
}

// Join appends name to a root path or URI.
func Join(root, name string) string {
	if name == "" {
		return root
	}
	return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(name, "/")
}

// CopyFile copies the local file at src into dst under name, byte for byte.
func CopyFile(ctx context.Context, dst Store, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	if err := dst.Put(ctx, name, f); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, Join(dst.Root(), name), err)
	}
	return nil
}
