package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/osbuild/mdb/errdefs"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	assert.NilError(t, err)
	return s
}

func TestNewBadRoot(t *testing.T) {
	file := fs.NewFile(t, "mdb-root")
	defer file.Remove()

	_, err := New(file.Path())
	assert.Check(t, is.ErrorContains(err, "failed to create checksum store"))
}

func TestPutGet(t *testing.T) {
	s := newStore(t)
	data := []byte("{}\n")

	dgst, err := s.Put(data)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(dgst, digest.Canonical.FromBytes(data)))
	assert.Check(t, s.Has(dgst))

	got, err := s.Get(dgst)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(got, data))
}

func TestPutIdempotent(t *testing.T) {
	s := newStore(t)
	data := []byte(`{"pipeline": {}}`)

	first, err := s.Put(data)
	assert.NilError(t, err)
	second, err := s.Put(data)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(first, second))

	digests, err := s.List()
	assert.NilError(t, err)
	assert.Check(t, is.Len(digests, 1))
}

func TestPutEmpty(t *testing.T) {
	s := newStore(t)

	_, err := s.Put(nil)
	assert.Check(t, is.ErrorContains(err, "invalid empty data"))
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestPutCollision(t *testing.T) {
	s := newStore(t)

	// A digester mapping every content to one digest stands in for a
	// hash collision.
	collide := digest.FromString("collision")
	s.digest = func([]byte) digest.Digest { return collide }

	_, err := s.Put([]byte("content a"))
	assert.NilError(t, err)

	_, err = s.Put([]byte("content b"))
	assert.Check(t, errdefs.IsIntegrity(err))
	assert.Check(t, errdefs.IsConflict(err))

	// The stored content is untouched.
	data, err := os.ReadFile(s.Path(collide))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "content a"))
}

func TestGetNotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.Get(digest.FromString("absent"))
	assert.Check(t, is.ErrorContains(err, "no such manifest"))
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestGetInvalidDigest(t *testing.T) {
	s := newStore(t)

	_, err := s.Get("not-a-digest")
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestGetDetectsCorruption(t *testing.T) {
	s := newStore(t)

	dgst, err := s.Put([]byte(`{"sources": {}}`))
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(s.Path(dgst), []byte("tampered"), 0o644))

	_, err = s.Get(dgst)
	assert.Check(t, errdefs.IsIntegrity(err))
	assert.Check(t, is.ErrorContains(err, dgst.String()))
}

func TestWalkSkipsForeignNames(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	assert.NilError(t, err)

	one, err := s.Put([]byte("one"))
	assert.NilError(t, err)
	two, err := s.Put([]byte("two"))
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(filepath.Join(root, "by-checksum", "README"), []byte("x"), 0o644))
	assert.NilError(t, os.WriteFile(filepath.Join(root, "by-checksum", "sha256-nothex"), []byte("x"), 0o644))

	seen := map[digest.Digest]bool{}
	assert.NilError(t, s.Walk(func(dgst digest.Digest) error {
		seen[dgst] = true
		return nil
	}))
	assert.Check(t, is.Len(seen, 2))
	assert.Check(t, seen[one])
	assert.Check(t, seen[two])
}

func TestWalkStopsOnError(t *testing.T) {
	s := newStore(t)
	_, err := s.Put([]byte("one"))
	assert.NilError(t, err)

	boom := errors.New("boom")
	err = s.Walk(func(digest.Digest) error { return boom })
	assert.Check(t, is.Equal(err, boom))
}

func TestDelete(t *testing.T) {
	s := newStore(t)

	dgst, err := s.Put([]byte("transient"))
	assert.NilError(t, err)
	assert.NilError(t, s.Delete(dgst))
	assert.Check(t, !s.Has(dgst))

	err = s.Delete(dgst)
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestDigestNameRoundTrip(t *testing.T) {
	dgst := digest.FromString("entry")
	name := EncodeDigest(dgst)
	assert.Check(t, is.Equal(name, "sha256-"+dgst.Encoded()))

	parsed, err := ParseDigestName(name)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(parsed, dgst))
}

func TestParseDigestNameMalformed(t *testing.T) {
	for _, name := range []string{
		"",
		"sha256",
		"sha256-",
		"sha256-nothex",
		"md5-d41d8cd98f00b204e9800998ecf8427e",
		"README",
	} {
		_, err := ParseDigestName(name)
		assert.Check(t, err != nil, "name %q", name)
		assert.Check(t, errdefs.IsInvalidParameter(err), "name %q", name)
	}
}
