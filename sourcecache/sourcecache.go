// Package sourcecache materializes the external sources a manifest
// declares and synchronizes them with a remote cache keyed by the
// manifest digest. Locally, sources stage under
// <root>/<algorithm>/<hex>/org.osbuild.files/<source checksum>; remotely
// the staged set travels as one reproducible tar.gz blob tagged with the
// manifest digest in file form. The cache is always regenerable from the
// manifest plus network access, so nothing here is the source of truth.
package sourcecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	archive "github.com/moby/go-archive"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/mdb/errdefs"
	"github.com/osbuild/mdb/manifest"
	"github.com/osbuild/mdb/registry"
	"github.com/osbuild/mdb/store"
)

const defaultConcurrency = 4

// State describes one manifest's cache entry.
type State int

const (
	// StateAbsent means nothing is staged locally or published
	// remotely. A wiped entry is absent: its published blob is the
	// tombstone, not content.
	StateAbsent State = iota
	// StatePrefetched means the declared sources are staged locally.
	StatePrefetched
	// StatePublished means the remote holds a cache entry.
	StatePublished
)

func (s State) String() string {
	switch s {
	case StatePrefetched:
		return "prefetched"
	case StatePublished:
		return "published"
	default:
		return "absent"
	}
}

// Synchronizer moves source sets between the network, the local staging
// area, and the remote cache.
type Synchronizer struct {
	// Root is the local staging area.
	Root string

	// Store supplies manifests by digest.
	Store *store.Store

	// Remote is the published cache. Nil disables push, pull and wipe.
	Remote registry.Client

	// Client overrides the HTTP client used for source downloads. Nil
	// means http.DefaultClient.
	Client *http.Client

	// Concurrency bounds parallel downloads and remote queries. Zero
	// selects a default.
	Concurrency int
}

// Prefetch downloads every source the manifest declares into the
// staging area. Files already staged with the right checksum are
// reused; nothing is retried internally, the caller decides what is
// transient.
func (s *Synchronizer) Prefetch(ctx context.Context, dgst digest.Digest) error {
	data, err := s.Store.Get(dgst)
	if err != nil {
		return err
	}
	m, err := manifest.DecodeBytes(data)
	if err != nil {
		return fmt.Errorf("decoding stored manifest %s: %w", dgst, err)
	}
	sources, err := m.FileSources()
	if err != nil {
		return err
	}

	dir := s.filesDir(dgst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"digest":  dgst,
		"sources": len(sources),
	}).Info("prefetching sources")

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency())
	for sum, url := range sources {
		eg.Go(func() error {
			return s.fetchOne(ctx, dir, sum, url)
		})
	}
	return eg.Wait()
}

// fetchOne downloads a single source, verifying the stream against its
// declared checksum before it becomes visible under its final name.
func (s *Synchronizer) fetchOne(ctx context.Context, dir string, sum digest.Digest, rawURL string) error {
	dest := filepath.Join(dir, store.EncodeDigest(sum))
	switch ok, err := verifyFile(dest, sum); {
	case err != nil:
		return err
	case ok:
		log.G(ctx).WithField("checksum", sum).Debug("source already staged")
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &errdefs.FetchError{Source: sum.String(), URL: rawURL, Err: err}
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return &errdefs.FetchError{Source: sum.String(), URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &errdefs.FetchError{Source: sum.String(), URL: rawURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	tmp, err := os.CreateTemp(dir, ".download-")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	verifier := sum.Verifier()
	n, err := io.Copy(tmp, io.TeeReader(resp.Body, verifier))
	if err != nil {
		return &errdefs.FetchError{Source: sum.String(), URL: rawURL, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if !verifier.Verified() {
		return &errdefs.FetchError{Source: sum.String(), URL: rawURL, Err: errors.New("checksum mismatch")}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}

	log.G(ctx).WithFields(log.Fields{
		"checksum": sum,
		"size":     units.HumanSize(float64(n)),
		"url":      rawURL,
	}).Debug("fetched source")
	return nil
}

// Push packages the staged sources for dgst and publishes them under
// its tag. It requires a prior Prefetch.
func (s *Synchronizer) Push(ctx context.Context, dgst digest.Digest) error {
	if err := s.needRemote(); err != nil {
		return err
	}
	if err := dgst.Validate(); err != nil {
		return errdefs.InvalidParameter(fmt.Errorf("invalid digest %q: %w", dgst, err))
	}
	if !s.staged(dgst) {
		return errdefs.FailedPrecondition(fmt.Errorf("no prefetched sources for %s; prefetch first", dgst))
	}

	f, size, cleanup, err := s.pack(dgst)
	if err != nil {
		return err
	}
	defer cleanup()

	tag := store.EncodeDigest(dgst)
	log.G(ctx).WithFields(log.Fields{
		"tag":  tag,
		"size": units.HumanSize(float64(size)),
	}).Info("pushing sources")
	if err := s.Remote.Push(ctx, tag, size, f); err != nil {
		return &errdefs.PublishError{Tag: tag, Err: err}
	}
	return nil
}

// Pull fetches the published sources for dgst and unpacks them into a
// clean staging directory.
func (s *Synchronizer) Pull(ctx context.Context, dgst digest.Digest) error {
	if err := s.needRemote(); err != nil {
		return err
	}
	if err := dgst.Validate(); err != nil {
		return errdefs.InvalidParameter(fmt.Errorf("invalid digest %q: %w", dgst, err))
	}

	tag := store.EncodeDigest(dgst)
	rc, err := s.Remote.Pull(ctx, tag)
	if err != nil {
		return err
	}
	defer rc.Close()

	dir := s.dir(dgst)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := archive.Untar(rc, dir, &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("unpacking sources for %s: %w", dgst, err)
	}
	log.G(ctx).WithField("tag", tag).Info("pulled sources")
	return nil
}

// Wipe publishes the tombstone blob under the digest's tag, superseding
// whatever is there, and clears the local staging directory. The remote
// never deletes tags, so invalidation is modeled as publishing
// emptiness.
func (s *Synchronizer) Wipe(ctx context.Context, dgst digest.Digest) error {
	if err := s.needRemote(); err != nil {
		return err
	}
	if err := dgst.Validate(); err != nil {
		return errdefs.InvalidParameter(fmt.Errorf("invalid digest %q: %w", dgst, err))
	}

	blob := EmptyBlob()
	tag := store.EncodeDigest(dgst)
	log.G(ctx).WithField("tag", tag).Info("wiping published sources")
	if err := s.Remote.Push(ctx, tag, int64(len(blob)), bytes.NewReader(blob)); err != nil {
		return &errdefs.PublishError{Tag: tag, Err: err}
	}
	if err := os.RemoveAll(s.dir(dgst)); err != nil {
		return fmt.Errorf("failed to clear staging directory: %w", err)
	}
	return nil
}

// ListRemote returns the manifest digests the remote publishes tags
// for, wiped or not. Tags that are not digests belong to someone else
// and are skipped.
func (s *Synchronizer) ListRemote(ctx context.Context) ([]digest.Digest, error) {
	if err := s.needRemote(); err != nil {
		return nil, err
	}
	tags, err := s.Remote.Tags(ctx)
	if err != nil {
		return nil, err
	}
	var digests []digest.Digest
	for _, tag := range tags {
		dgst, err := store.ParseDigestName(tag)
		if err != nil {
			continue
		}
		digests = append(digests, dgst)
	}
	return digests, nil
}

// Missing returns the stored manifests without useful published
// sources, in digest order. Wiped entries count as missing.
func (s *Synchronizer) Missing(ctx context.Context) ([]digest.Digest, error) {
	if err := s.needRemote(); err != nil {
		return nil, err
	}
	digests, err := s.Store.List()
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		missing []digest.Digest
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency())
	for _, dgst := range digests {
		eg.Go(func() error {
			ok, err := s.Remote.Stat(ctx, store.EncodeDigest(dgst))
			if err != nil {
				return err
			}
			if !ok {
				mu.Lock()
				missing = append(missing, dgst)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing, nil
}

// State derives one manifest's cache state. The remote wins: a
// published entry is Published even when sources are also staged
// locally.
func (s *Synchronizer) State(ctx context.Context, dgst digest.Digest) (State, error) {
	if err := dgst.Validate(); err != nil {
		return StateAbsent, errdefs.InvalidParameter(fmt.Errorf("invalid digest %q: %w", dgst, err))
	}
	if s.Remote != nil {
		ok, err := s.Remote.Stat(ctx, store.EncodeDigest(dgst))
		if err != nil {
			return StateAbsent, err
		}
		if ok {
			return StatePublished, nil
		}
	}
	if s.staged(dgst) {
		return StatePrefetched, nil
	}
	return StateAbsent, nil
}

// Staged reports whether sources for dgst are present in the staging
// area. It says nothing about their integrity; Prefetch re-verifies.
func (s *Synchronizer) Staged(dgst digest.Digest) bool {
	return s.staged(dgst)
}

func (s *Synchronizer) dir(dgst digest.Digest) string {
	return filepath.Join(s.Root, dgst.Algorithm().String(), dgst.Encoded())
}

func (s *Synchronizer) filesDir(dgst digest.Digest) string {
	return filepath.Join(s.dir(dgst), manifest.SourceFiles)
}

func (s *Synchronizer) staged(dgst digest.Digest) bool {
	info, err := os.Stat(s.filesDir(dgst))
	return err == nil && info.IsDir()
}

func (s *Synchronizer) needRemote() error {
	if s.Remote == nil {
		return errdefs.InvalidParameter(errors.New("no remote cache configured"))
	}
	return nil
}

func (s *Synchronizer) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *Synchronizer) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return defaultConcurrency
}

// verifyFile reports whether the file at path exists and hashes to sum.
func verifyFile(path string, sum digest.Digest) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	verifier := sum.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return false, err
	}
	return verifier.Verified(), nil
}
