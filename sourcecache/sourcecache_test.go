package sourcecache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/osbuild/mdb/errdefs"
	"github.com/osbuild/mdb/manifest"
	"github.com/osbuild/mdb/registry"
	"github.com/osbuild/mdb/store"
)

// fakeRemote is an in-memory registry.Client with the same publish
// semantics as the real backends: idempotent re-push, conflict on
// differing content, tombstone overrides in both directions.
type fakeRemote struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	tombstone digest.Digest
	pushes    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		blobs:     map[string][]byte{},
		tombstone: EmptyDigest(),
	}
}

func (f *fakeRemote) Tags(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags := make([]string, 0, len(f.blobs))
	for tag := range f.blobs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (f *fakeRemote) Push(ctx context.Context, tag string, size int64, blob io.Reader) error {
	data, err := io.ReadAll(blob)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return errdefs.InvalidParameter(fmt.Errorf("blob size mismatch: declared %d, read %d", size, len(data)))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	if existing, ok := f.blobs[tag]; ok && !bytes.Equal(existing, data) {
		tombstoned := digest.FromBytes(data) == f.tombstone || digest.FromBytes(existing) == f.tombstone
		if !tombstoned {
			return errdefs.Conflict(fmt.Errorf("remote rejected tag %s: content differs", tag))
		}
	}
	f.blobs[tag] = data
	return nil
}

func (f *fakeRemote) Pull(ctx context.Context, tag string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[tag]
	if !ok {
		return nil, errdefs.NotFound(fmt.Errorf("tag %s not published", tag))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) Stat(ctx context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[tag]
	if !ok {
		return false, nil
	}
	if digest.FromBytes(data) == f.tombstone {
		return false, nil
	}
	return true, nil
}

var _ registry.Client = (*fakeRemote)(nil)

// sourceServer serves fixed blobs and counts hits per path.
type sourceServer struct {
	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

func newSourceServer(contents ...string) *sourceServer {
	srv := &sourceServer{files: map[string][]byte{}, hits: map[string]int{}}
	for _, c := range contents {
		srv.files["/"+digest.FromString(c).Encoded()] = []byte(c)
	}
	return srv
}

func (s *sourceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.files[r.URL.Path]
	s.hits[r.URL.Path]++
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (s *sourceServer) hitCount(content string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits["/"+digest.FromString(content).Encoded()]
}

func newSynchronizer(t *testing.T, remote registry.Client) *Synchronizer {
	t.Helper()
	s, _, err := store.Open(t.TempDir())
	assert.NilError(t, err)
	return &Synchronizer{
		Root:   t.TempDir(),
		Store:  s,
		Remote: remote,
	}
}

// storeManifest stores a manifest declaring the given contents as file
// sources served by base, returning its digest.
func storeManifest(t *testing.T, s *Synchronizer, base string, contents ...string) digest.Digest {
	t.Helper()
	urls := map[string]any{}
	for _, c := range contents {
		sum := digest.FromString(c)
		urls[sum.String()] = base + "/" + sum.Encoded()
	}
	doc := map[string]any{
		"pipeline": map[string]any{},
		"sources": map[string]any{
			manifest.SourceFiles: map[string]any{"urls": urls},
		},
	}
	data, err := json.Marshal(doc)
	assert.NilError(t, err)
	dgst, err := s.Store.Put(data)
	assert.NilError(t, err)
	return dgst
}

func stagedPath(s *Synchronizer, dgst, sum digest.Digest) string {
	return filepath.Join(s.Root, dgst.Algorithm().String(), dgst.Encoded(),
		manifest.SourceFiles, store.EncodeDigest(sum))
}

func TestPrefetch(t *testing.T) {
	srv := newSourceServer("alpha", "beta")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := newSynchronizer(t, nil)
	dgst := storeManifest(t, s, ts.URL, "alpha", "beta")

	assert.NilError(t, s.Prefetch(context.Background(), dgst))

	for _, content := range []string{"alpha", "beta"} {
		data, err := os.ReadFile(stagedPath(s, dgst, digest.FromString(content)))
		assert.NilError(t, err)
		assert.Check(t, is.Equal(string(data), content))
	}
}

func TestPrefetchReusesStaged(t *testing.T) {
	srv := newSourceServer("alpha")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := newSynchronizer(t, nil)
	dgst := storeManifest(t, s, ts.URL, "alpha")

	assert.NilError(t, s.Prefetch(context.Background(), dgst))
	assert.NilError(t, s.Prefetch(context.Background(), dgst))
	assert.Check(t, is.Equal(srv.hitCount("alpha"), 1))
}

func TestPrefetchRedownloadsCorrupted(t *testing.T) {
	srv := newSourceServer("alpha")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := newSynchronizer(t, nil)
	dgst := storeManifest(t, s, ts.URL, "alpha")
	assert.NilError(t, s.Prefetch(context.Background(), dgst))

	staged := stagedPath(s, dgst, digest.FromString("alpha"))
	assert.NilError(t, os.WriteFile(staged, []byte("flipped bits"), 0o644))

	assert.NilError(t, s.Prefetch(context.Background(), dgst))
	assert.Check(t, is.Equal(srv.hitCount("alpha"), 2))
	data, err := os.ReadFile(staged)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "alpha"))
}

func TestPrefetchChecksumMismatch(t *testing.T) {
	sum := digest.FromString("alpha")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "tampered")
	}))
	defer ts.Close()

	s := newSynchronizer(t, nil)
	dgst := storeManifest(t, s, ts.URL, "alpha")

	err := s.Prefetch(context.Background(), dgst)
	assert.Check(t, errdefs.IsFetch(err))
	assert.Check(t, is.ErrorContains(err, "checksum mismatch"))

	_, statErr := os.Stat(stagedPath(s, dgst, sum))
	assert.Check(t, os.IsNotExist(statErr))
}

func TestPrefetchMissingSource(t *testing.T) {
	srv := newSourceServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := newSynchronizer(t, nil)
	dgst := storeManifest(t, s, ts.URL, "alpha")

	err := s.Prefetch(context.Background(), dgst)
	assert.Check(t, errdefs.IsFetch(err))
	assert.Check(t, is.ErrorContains(err, "unexpected status"))
}

func TestPushRequiresPrefetch(t *testing.T) {
	s := newSynchronizer(t, newFakeRemote())
	dgst := storeManifest(t, s, "http://unused.invalid")

	err := s.Push(context.Background(), dgst)
	assert.Check(t, errdefs.IsFailedPrecondition(err))
	assert.Check(t, is.ErrorContains(err, "prefetch first"))
}

func TestPushWithoutRemote(t *testing.T) {
	s := newSynchronizer(t, nil)
	err := s.Push(context.Background(), digest.FromString("m"))
	assert.Check(t, errdefs.IsInvalidParameter(err))
	assert.Check(t, is.ErrorContains(err, "no remote cache configured"))
}

func TestPushPullRoundTrip(t *testing.T) {
	srv := newSourceServer("alpha", "beta")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	remote := newFakeRemote()
	s := newSynchronizer(t, remote)
	dgst := storeManifest(t, s, ts.URL, "alpha", "beta")

	state, err := s.State(ctx, dgst)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(state, StateAbsent))

	assert.NilError(t, s.Prefetch(ctx, dgst))
	state, err = s.State(ctx, dgst)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(state, StatePrefetched))

	assert.NilError(t, s.Push(ctx, dgst))
	state, err = s.State(ctx, dgst)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(state, StatePublished))

	// A fresh clone of the staging area comes back from the remote.
	assert.NilError(t, os.RemoveAll(s.Root))
	assert.NilError(t, s.Pull(ctx, dgst))
	for _, content := range []string{"alpha", "beta"} {
		data, err := os.ReadFile(stagedPath(s, dgst, digest.FromString(content)))
		assert.NilError(t, err)
		assert.Check(t, is.Equal(string(data), content))
	}
}

func TestPushIdempotent(t *testing.T) {
	srv := newSourceServer("alpha")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	remote := newFakeRemote()
	s := newSynchronizer(t, remote)
	dgst := storeManifest(t, s, ts.URL, "alpha")

	assert.NilError(t, s.Prefetch(ctx, dgst))
	assert.NilError(t, s.Push(ctx, dgst))
	assert.NilError(t, s.Push(ctx, dgst))
}

func TestPullMissing(t *testing.T) {
	s := newSynchronizer(t, newFakeRemote())
	err := s.Pull(context.Background(), digest.FromString("m"))
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestPackDeterministic(t *testing.T) {
	s := newSynchronizer(t, nil)
	dgst := digest.FromString("m")
	dir := filepath.Join(s.Root, dgst.Algorithm().String(), dgst.Encoded(), manifest.SourceFiles)
	assert.NilError(t, os.MkdirAll(dir, 0o755))
	for _, content := range []string{"alpha", "beta"} {
		sum := digest.FromString(content)
		assert.NilError(t, os.WriteFile(filepath.Join(dir, store.EncodeDigest(sum)), []byte(content), 0o600))
	}

	read := func() []byte {
		f, _, cleanup, err := s.pack(dgst)
		assert.NilError(t, err)
		defer cleanup()
		data, err := io.ReadAll(f)
		assert.NilError(t, err)
		return data
	}
	first := read()
	second := read()
	assert.Check(t, is.DeepEqual(first, second))
}

func TestPackSkipsStrayFiles(t *testing.T) {
	s := newSynchronizer(t, nil)
	dgst := digest.FromString("m")
	dir := filepath.Join(s.Root, dgst.Algorithm().String(), dgst.Encoded(), manifest.SourceFiles)
	assert.NilError(t, os.MkdirAll(dir, 0o755))
	sum := digest.FromString("alpha")
	assert.NilError(t, os.WriteFile(filepath.Join(dir, store.EncodeDigest(sum)), []byte("alpha"), 0o600))

	clean := func() []byte {
		f, _, cleanup, err := s.pack(dgst)
		assert.NilError(t, err)
		defer cleanup()
		data, err := io.ReadAll(f)
		assert.NilError(t, err)
		return data
	}
	want := clean()

	assert.NilError(t, os.WriteFile(filepath.Join(dir, ".download-123"), []byte("partial"), 0o600))
	assert.Check(t, is.DeepEqual(clean(), want))
}

func TestWipe(t *testing.T) {
	srv := newSourceServer("alpha")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	remote := newFakeRemote()
	s := newSynchronizer(t, remote)
	dgst := storeManifest(t, s, ts.URL, "alpha")

	assert.NilError(t, s.Prefetch(ctx, dgst))
	assert.NilError(t, s.Push(ctx, dgst))
	assert.NilError(t, s.Wipe(ctx, dgst))

	// The tag still exists but holds the tombstone, so the entry reads
	// as unpublished and the local staging is gone.
	tag := store.EncodeDigest(dgst)
	assert.Check(t, is.Equal(digest.FromBytes(remote.blobs[tag]), EmptyDigest()))
	state, err := s.State(ctx, dgst)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(state, StateAbsent))

	missing, err := s.Missing(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(missing, []digest.Digest{dgst}))

	// Republishing after a wipe is allowed.
	assert.NilError(t, s.Prefetch(ctx, dgst))
	assert.NilError(t, s.Push(ctx, dgst))
	state, err = s.State(ctx, dgst)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(state, StatePublished))
}

func TestMissing(t *testing.T) {
	srv := newSourceServer("alpha")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx := context.Background()
	remote := newFakeRemote()
	s := newSynchronizer(t, remote)
	published := storeManifest(t, s, ts.URL, "alpha")
	unpublished := storeManifest(t, s, ts.URL)

	assert.NilError(t, s.Prefetch(ctx, published))
	assert.NilError(t, s.Push(ctx, published))

	missing, err := s.Missing(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(missing, []digest.Digest{unpublished}))
}

func TestListRemote(t *testing.T) {
	remote := newFakeRemote()
	dgst := digest.FromString("m")
	remote.blobs[store.EncodeDigest(dgst)] = []byte("blob")
	remote.blobs["release-train"] = []byte("foreign")

	s := newSynchronizer(t, remote)
	digests, err := s.ListRemote(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(digests, []digest.Digest{dgst}))
}

func TestEmptyBlobStable(t *testing.T) {
	first := EmptyBlob()
	assert.Check(t, is.Equal(digest.FromBytes(first), EmptyDigest()))

	// Callers get copies; clobbering one must not poison the next.
	mutated := EmptyBlob()
	for i := range mutated {
		mutated[i] = 0xff
	}
	assert.Check(t, is.DeepEqual(EmptyBlob(), first))
}
