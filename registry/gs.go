package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/opencontainers/go-digest"
	"google.golang.org/api/iterator"

	"github.com/osbuild/mdb/errdefs"
)

// GSClient publishes blobs as objects in a Google Cloud Storage bucket,
// with the same client-side immutability check as the S3 backend.
type GSClient struct {
	bucket    *storage.BucketHandle
	prefix    string
	tombstone digest.Digest
}

// newGSClient builds a client for gs://bucket[/prefix] URLs using the
// ambient application credentials.
func newGSClient(ctx context.Context, u *url.URL, opts Options) (*GSClient, error) {
	if u.Host == "" {
		return nil, errdefs.InvalidParameter(fmt.Errorf("remote URL %q needs a bucket", u))
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing storage client: %w", err)
	}
	return &GSClient{
		bucket:    client.Bucket(u.Host),
		prefix:    strings.Trim(u.Path, "/"),
		tombstone: opts.Tombstone,
	}, nil
}

func (c *GSClient) Tags(ctx context.Context) ([]string, error) {
	query := &storage.Query{}
	if c.prefix != "" {
		query.Prefix = c.prefix + "/"
	}

	var tags []string
	it := c.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errdefs.Unavailable(fmt.Errorf("listing remote cache: %w", err))
		}
		tag := path.Base(attrs.Name)
		if ValidateTag(tag) == nil {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

func (c *GSClient) Push(ctx context.Context, tag string, size int64, blob io.Reader) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	dgst, f, cleanup, err := spool(blob, size)
	if err != nil {
		return err
	}
	defer cleanup()

	obj := c.bucket.Object(c.key(tag))
	existing, err := c.publishedDigest(ctx, obj)
	if err != nil {
		return err
	}
	if skip, err := decidePush(existing, dgst, c.tombstone); skip || err != nil {
		return err
	}

	// Cancelling the context abandons the upload without materializing
	// the object, so an error exit leaves the remote in its prior
	// published state.
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{metadataDigest: dgst.String()}
	if _, err := io.Copy(w, f); err != nil {
		return errdefs.Unavailable(fmt.Errorf("uploading to remote cache: %w", err))
	}
	if err := w.Close(); err != nil {
		return errdefs.Unavailable(fmt.Errorf("uploading to remote cache: %w", err))
	}
	return nil
}

func (c *GSClient) Pull(ctx context.Context, tag string) (io.ReadCloser, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	r, err := c.bucket.Object(c.key(tag)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errdefs.NotFound(fmt.Errorf("no cache entry published for %s", tag))
		}
		return nil, errdefs.Unavailable(fmt.Errorf("fetching from remote cache: %w", err))
	}
	return r, nil
}

// Stat reports whether useful content is published under the tag. A tag
// holding the tombstone blob counts as unpublished.
func (c *GSClient) Stat(ctx context.Context, tag string) (bool, error) {
	if err := ValidateTag(tag); err != nil {
		return false, err
	}
	attrs, err := c.bucket.Object(c.key(tag)).Attrs(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	case err != nil:
		return false, errdefs.Unavailable(fmt.Errorf("checking remote cache: %w", err))
	}
	if c.tombstone != "" {
		if dgst, err := digest.Parse(attrs.Metadata[metadataDigest]); err == nil && dgst == c.tombstone {
			return false, nil
		}
	}
	return true, nil
}

func (c *GSClient) publishedDigest(ctx context.Context, obj *storage.ObjectHandle) (digest.Digest, error) {
	attrs, err := obj.Attrs(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return "", nil
	case err != nil:
		return "", errdefs.Unavailable(fmt.Errorf("checking remote cache: %w", err))
	}
	dgst, err := digest.Parse(attrs.Metadata[metadataDigest])
	if err != nil {
		return "", nil
	}
	return dgst, nil
}

func (c *GSClient) key(tag string) string {
	if c.prefix == "" {
		return tag
	}
	return c.prefix + "/" + tag
}
