// Package registry talks to the remote source cache: a blob store
// addressed by tags, where a tag is a manifest digest in file form. The
// backend is chosen by URL scheme; all backends present the same narrow
// contract and the same immutability rule, so the synchronizer never
// cares which one it is talking to.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"github.com/osbuild/mdb/errdefs"
)

// Client is the remote source cache contract.
type Client interface {
	// Tags lists every tag the remote currently publishes.
	Tags(ctx context.Context) ([]string, error)

	// Push publishes a blob under a tag. Publishing identical content
	// twice is a no-op; publishing different content under an
	// existing tag is a conflict, except for the tombstone blob.
	Push(ctx context.Context, tag string, size int64, blob io.Reader) error

	// Pull fetches the blob published under a tag.
	Pull(ctx context.Context, tag string) (io.ReadCloser, error)

	// Stat reports whether a tag is published.
	Stat(ctx context.Context, tag string) (bool, error)
}

// Options configures a client independently of its backend.
type Options struct {
	// Tombstone names the one blob digest allowed to supersede
	// already-published content. Wiping an entry publishes this blob
	// over whatever is there.
	Tombstone digest.Digest
}

// New returns the client for a remote cache URL. Supported schemes are
// http and https (blob server), s3 (AWS S3 or compatible) and gs
// (Google Cloud Storage).
func New(ctx context.Context, rawURL string, opts Options) (Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errdefs.InvalidParameter(fmt.Errorf("invalid remote URL %q: %w", rawURL, err))
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPClient(u, opts)
	case "s3":
		return newS3Client(ctx, u, opts)
	case "gs":
		return newGSClient(ctx, u, opts)
	default:
		return nil, errdefs.InvalidParameter(fmt.Errorf("unsupported remote scheme %q", u.Scheme))
	}
}

// Cache tags are digests in file form, which happen to be valid image
// tags; the remote grammar is the image tag grammar.
var anchoredTag = regexp.MustCompile(`^` + reference.TagRegexp.String() + `$`)

// ValidateTag checks that tag is usable as a remote cache key.
func ValidateTag(tag string) error {
	if !anchoredTag.MatchString(tag) {
		return errdefs.InvalidParameter(fmt.Errorf("invalid cache tag %q", tag))
	}
	return nil
}

// decidePush applies the immutability rule given the digest already
// published under a tag. It reports whether the push can be skipped
// because equal content is already there. The tombstone blob may
// supersede anything, and anything may supersede the tombstone: a wiped
// tag is a void, not published content.
func decidePush(existing, incoming, tombstone digest.Digest) (skip bool, err error) {
	switch {
	case existing == "":
		return false, nil
	case existing == incoming:
		return true, nil
	case tombstone != "" && (incoming == tombstone || existing == tombstone):
		return false, nil
	default:
		return false, errdefs.Conflict(fmt.Errorf("tag already published with digest %s", existing))
	}
}

// spool drains the blob into a temporary file, returning its digest and
// a rewound reader. The backends need the content digest before
// uploading, and a seekable body for retried uploads.
func spool(blob io.Reader, size int64) (digest.Digest, *os.File, func(), error) {
	f, err := os.CreateTemp("", "mdb-blob-")
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to stage blob: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), blob)
	if err != nil {
		cleanup()
		return "", nil, nil, fmt.Errorf("failed to stage blob: %w", err)
	}
	if size >= 0 && n != size {
		cleanup()
		return "", nil, nil, errdefs.InvalidParameter(fmt.Errorf("blob size mismatch: declared %d, read %d", size, n))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return "", nil, nil, err
	}
	return digester.Digest(), f, cleanup, nil
}
