// Package store implements the on-disk manifest database: a checksum
// namespace holding every manifest exactly once under the digest of its
// canonical bytes, and a tag namespace of named references into it.
//
// The layout is the compatibility contract external tooling relies on:
//
//	<root>/by-checksum/sha256-<hex>   regular files, manifest bytes
//	<root>/by-tag/<path>              symlinks with relative targets
//
// Everything inside by-checksum is a real object; everything under by-tag
// is a reference or a plain grouping directory, never content.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/locker"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"

	"github.com/osbuild/mdb/errdefs"
)

const (
	checksumDir = "by-checksum"
	tagDir      = "by-tag"
)

// Store is the checksum namespace of a manifest database.
type Store struct {
	root   string
	locks  *locker.Locker
	digest func([]byte) digest.Digest
}

// New initializes the checksum namespace of the database at root.
func New(root string) (*Store, error) {
	dir := filepath.Join(root, checksumDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checksum store: %w", err)
	}
	return &Store{
		root:  dir,
		locks: locker.New(),
		digest: func(data []byte) digest.Digest {
			return digest.Canonical.FromBytes(data)
		},
	}, nil
}

// Open initializes both namespaces of the database at root.
func Open(root string) (*Store, *Tags, error) {
	s, err := New(root)
	if err != nil {
		return nil, nil, err
	}
	tags, err := NewTags(root, s)
	if err != nil {
		return nil, nil, err
	}
	return s, tags, nil
}

// Put stores data under the digest of its content and returns that
// digest. Put is idempotent: storing the same bytes again succeeds
// without a write. A digest that already names different bytes is an
// integrity violation and never overwritten.
func (s *Store) Put(data []byte) (digest.Digest, error) {
	if len(data) == 0 {
		return "", errdefs.InvalidParameter(errors.New("invalid empty data"))
	}
	dgst := s.digest(data)

	s.locks.Lock(dgst.String())
	defer s.locks.Unlock(dgst.String())

	path := s.Path(dgst)
	existing, err := os.ReadFile(path)
	if err == nil {
		if !bytes.Equal(existing, data) {
			return "", &errdefs.IntegrityError{Digest: dgst, Path: path}
		}
		return dgst, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write digest data: %w", err)
	}
	return dgst, nil
}

// Get returns the bytes stored under dgst. The content is verified
// against the digest on every read, so on-disk corruption surfaces as an
// integrity violation rather than as wrong data.
func (s *Store) Get(dgst digest.Digest) ([]byte, error) {
	if err := dgst.Validate(); err != nil {
		return nil, errdefs.InvalidParameter(fmt.Errorf("invalid digest %q: %w", dgst, err))
	}
	path := s.Path(dgst)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound(fmt.Errorf("no such manifest %s", dgst))
		}
		return nil, err
	}
	if actual := dgst.Algorithm().FromBytes(data); actual != dgst {
		return nil, &errdefs.IntegrityError{Digest: dgst, Path: path}
	}
	return data, nil
}

// Has reports whether dgst is present.
func (s *Store) Has(dgst digest.Digest) bool {
	if dgst.Validate() != nil {
		return false
	}
	fi, err := os.Lstat(s.Path(dgst))
	return err == nil && fi.Mode().IsRegular()
}

// Path returns the file holding dgst. The file need not exist.
func (s *Store) Path(dgst digest.Digest) string {
	return filepath.Join(s.root, EncodeDigest(dgst))
}

// Walk calls fn for every stored digest in name order. Entries whose
// names do not decode as digests are skipped here and reported by the
// verifier's structural check instead.
func (s *Store) Walk(fn func(digest.Digest) error) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("reading checksum store: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		dgst, err := ParseDigestName(entry.Name())
		if err != nil {
			continue
		}
		if err := fn(dgst); err != nil {
			return err
		}
	}
	return nil
}

// List returns all stored digests in name order.
func (s *Store) List() ([]digest.Digest, error) {
	var digests []digest.Digest
	err := s.Walk(func(dgst digest.Digest) error {
		digests = append(digests, dgst)
		return nil
	})
	return digests, err
}

// Delete removes the entry for dgst. This is an out-of-band maintenance
// operation; nothing in the pipeline deletes entries, and tags referring
// to a deleted entry are flagged by the verifier.
func (s *Store) Delete(dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return errdefs.InvalidParameter(fmt.Errorf("invalid digest %q: %w", dgst, err))
	}
	s.locks.Lock(dgst.String())
	defer s.locks.Unlock(dgst.String())

	if err := os.Remove(s.Path(dgst)); err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFound(fmt.Errorf("no such manifest %s", dgst))
		}
		return err
	}
	return nil
}

// EncodeDigest returns the file and tag safe form of a digest,
// "sha256-<hex>". The wire form's separator is not a valid filename
// character everywhere nor a valid remote tag character.
func EncodeDigest(dgst digest.Digest) string {
	return dgst.Algorithm().String() + "-" + dgst.Encoded()
}

// ParseDigestName parses the file form produced by EncodeDigest.
func ParseDigestName(name string) (digest.Digest, error) {
	algo, hex, ok := strings.Cut(name, "-")
	if !ok {
		return "", errdefs.InvalidParameter(fmt.Errorf("malformed object name %q", name))
	}
	dgst := digest.NewDigestFromEncoded(digest.Algorithm(algo), hex)
	if err := dgst.Validate(); err != nil {
		return "", errdefs.InvalidParameter(fmt.Errorf("malformed object name %q: %w", name, err))
	}
	return dgst, nil
}
