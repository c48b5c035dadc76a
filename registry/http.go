package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/osbuild/mdb/errdefs"
)

// HTTPClient speaks to a registry-style blob server. Blobs live under
// /v2/<repo>/sources/blobs/<tag>, the tag list under
// /v2/<repo>/sources/tags/list, and responses carry the blob digest in
// the Docker-Content-Digest header.
type HTTPClient struct {
	base      *url.URL
	repo      string
	tombstone digest.Digest

	// Client overrides the HTTP client. Nil means http.DefaultClient.
	Client *http.Client
}

func newHTTPClient(u *url.URL, opts Options) (*HTTPClient, error) {
	repo := strings.Trim(u.Path, "/")
	if repo == "" {
		return nil, errdefs.InvalidParameter(fmt.Errorf("remote URL %q needs a repository path", u))
	}
	return &HTTPClient{
		base:      &url.URL{Scheme: u.Scheme, Host: u.Host},
		repo:      repo,
		tombstone: opts.Tombstone,
	}, nil
}

func (c *HTTPClient) Tags(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("tags", "list"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp, "")
	}

	var payload struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding tag list: %w", err)
	}
	sort.Strings(payload.Tags)
	return payload.Tags, nil
}

func (c *HTTPClient) Push(ctx context.Context, tag string, size int64, blob io.Reader) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	dgst, f, cleanup, err := spool(blob, size)
	if err != nil {
		return err
	}
	defer cleanup()

	existing, err := c.publishedDigest(ctx, tag)
	if err != nil {
		return err
	}
	if skip, err := decidePush(existing, dgst, c.tombstone); skip || err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	u := c.endpoint("blobs", tag) + "?" + url.Values{"digest": {dgst.String()}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Docker-Content-Digest", dgst.String())

	resp, err := c.client().Do(req)
	if err != nil {
		return errdefs.Unavailable(fmt.Errorf("remote cache unreachable: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return responseError(resp, tag)
	}
	return nil
}

func (c *HTTPClient) Pull(ctx context.Context, tag string) (io.ReadCloser, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("blobs", tag), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp, tag)
	}

	// When the server advertises the blob digest, verify what we
	// stream against it.
	if h := resp.Header.Get("Docker-Content-Digest"); h != "" {
		if dgst, err := digest.Parse(h); err == nil {
			verifier := dgst.Verifier()
			return &verifiedReadCloser{
				reader:   io.TeeReader(resp.Body, verifier),
				closer:   resp.Body,
				verifier: verifier,
				digest:   dgst,
			}, nil
		}
	}
	return resp.Body, nil
}

// Stat reports whether useful content is published under the tag. A tag
// holding the tombstone blob counts as unpublished: it marks a wiped
// entry, not content.
func (c *HTTPClient) Stat(ctx context.Context, tag string) (bool, error) {
	if err := ValidateTag(tag); err != nil {
		return false, err
	}
	resp, err := c.do(ctx, http.MethodHead, c.endpoint("blobs", tag), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		if c.tombstone != "" {
			if dgst, err := digest.Parse(resp.Header.Get("Docker-Content-Digest")); err == nil && dgst == c.tombstone {
				return false, nil
			}
		}
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, responseError(resp, tag)
	}
}

// publishedDigest returns the digest advertised for a tag, or empty when
// the tag is unpublished or the server does not advertise one.
func (c *HTTPClient) publishedDigest(ctx context.Context, tag string) (digest.Digest, error) {
	resp, err := c.do(ctx, http.MethodHead, c.endpoint("blobs", tag), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		dgst, err := digest.Parse(resp.Header.Get("Docker-Content-Digest"))
		if err != nil {
			return "", nil
		}
		return dgst, nil
	case http.StatusNotFound:
		return "", nil
	default:
		return "", responseError(resp, tag)
	}
}

func (c *HTTPClient) endpoint(parts ...string) string {
	return c.base.JoinPath(append([]string{"v2", c.repo, "sources"}, parts...)...).String()
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, errdefs.Unavailable(fmt.Errorf("remote cache unreachable: %w", err))
	}
	return resp, nil
}

func (c *HTTPClient) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func responseError(resp *http.Response, tag string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		if tag == "" {
			return errdefs.NotFound(fmt.Errorf("remote repository not found"))
		}
		return errdefs.NotFound(fmt.Errorf("no cache entry published for %s", tag))
	case resp.StatusCode == http.StatusConflict:
		if msg == "" {
			msg = "content differs"
		}
		return errdefs.Conflict(fmt.Errorf("remote rejected tag %s: %s", tag, msg))
	case resp.StatusCode >= 500:
		return errdefs.Unavailable(fmt.Errorf("remote cache error: %s: %s", resp.Status, msg))
	default:
		return fmt.Errorf("unexpected remote status %s: %s", resp.Status, msg)
	}
}

type verifiedReadCloser struct {
	reader   io.Reader
	closer   io.Closer
	verifier digest.Verifier
	digest   digest.Digest
}

func (r *verifiedReadCloser) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if err == io.EOF && !r.verifier.Verified() {
		return n, &errdefs.IntegrityError{Digest: r.digest}
	}
	return n, err
}

func (r *verifiedReadCloser) Close() error {
	return r.closer.Close()
}
