package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/locker"
	"github.com/opencontainers/go-digest"

	"github.com/osbuild/mdb/errdefs"
)

// Tags is the reference namespace of a manifest database. Tag paths
// mirror the source tree (slash separated, relative), and every tag is a
// symlink whose relative target terminates directly in the checksum
// namespace. A tag never owns content.
type Tags struct {
	root  string
	store *Store
	locks *locker.Locker
}

// NewTags initializes the tag namespace of the database at root,
// referencing entries of store.
func NewTags(root string, store *Store) (*Tags, error) {
	dir := filepath.Join(root, tagDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tag store: %w", err)
	}
	return &Tags{
		root:  dir,
		store: store,
		locks: locker.New(),
	}, nil
}

// Set points tag at dgst, creating grouping directories as needed. The
// digest must be present in the checksum store. An existing tag is
// replaced by rename, so readers never observe the tag missing.
func (t *Tags) Set(tag string, dgst digest.Digest) error {
	abs, err := t.abs(tag)
	if err != nil {
		return err
	}
	if err := dgst.Validate(); err != nil {
		return errdefs.InvalidParameter(fmt.Errorf("invalid digest %q: %w", dgst, err))
	}
	if !t.store.Has(dgst) {
		return &errdefs.DanglingError{Path: tag, Digest: dgst}
	}

	t.locks.Lock(tag)
	defer t.locks.Unlock(tag)

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating tag directory: %w", err)
	}
	target, err := filepath.Rel(dir, t.store.Path(dgst))
	if err != nil {
		return fmt.Errorf("computing tag target: %w", err)
	}

	tmp := filepath.Join(dir, ".tmp-"+filepath.Base(abs))
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("creating tag %s: %w", tag, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("creating tag %s: %w", tag, err)
	}
	return nil
}

// Resolve returns the digest tag refers to. Resolution is syntactic: the
// reference must be a symlink terminating directly in the checksum
// namespace, but the entry it names need not exist. Dangling references
// are the verifier's to report.
func (t *Tags) Resolve(tag string) (digest.Digest, error) {
	abs, err := t.abs(tag)
	if err != nil {
		return "", err
	}
	fi, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.NotFound(fmt.Errorf("no such tag %s", tag))
		}
		return "", err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return "", errdefs.FailedPrecondition(fmt.Errorf("tag %s: not a reference", tag))
	}
	target, err := os.Readlink(abs)
	if err != nil {
		return "", err
	}
	return t.parseTarget(tag, abs, target)
}

// parseTarget maps a link target back to a store digest, enforcing that
// references terminate directly in the checksum namespace.
func (t *Tags) parseTarget(tag, abs, target string) (digest.Digest, error) {
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(abs), target)
	}
	if filepath.Dir(resolved) != t.store.root {
		return "", errdefs.FailedPrecondition(fmt.Errorf("tag %s: reference leaves the checksum namespace", tag))
	}
	dgst, err := ParseDigestName(filepath.Base(resolved))
	if err != nil {
		return "", errdefs.FailedPrecondition(fmt.Errorf("tag %s: target is not a checksum entry", tag))
	}
	return dgst, nil
}

// Delete removes tag. Grouping directories are left in place.
func (t *Tags) Delete(tag string) error {
	abs, err := t.abs(tag)
	if err != nil {
		return err
	}

	t.locks.Lock(tag)
	defer t.locks.Unlock(tag)

	fi, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFound(fmt.Errorf("no such tag %s", tag))
		}
		return err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return errdefs.FailedPrecondition(fmt.Errorf("tag %s: not a reference", tag))
	}
	return os.Remove(abs)
}

// Walk calls fn for every well-formed tag in path order. Entries that are
// not references, or whose targets do not terminate in the checksum
// namespace, are skipped here and reported by the verifier.
func (t *Tags) Walk(fn func(tag string, dgst digest.Digest) error) error {
	return filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(t.root, path)
		if err != nil {
			return err
		}
		tag := filepath.ToSlash(rel)
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		dgst, err := t.parseTarget(tag, path, target)
		if err != nil {
			return nil
		}
		return fn(tag, dgst)
	})
}

// Map returns all well-formed tags and their targets.
func (t *Tags) Map() (map[string]digest.Digest, error) {
	tags := map[string]digest.Digest{}
	err := t.Walk(func(tag string, dgst digest.Digest) error {
		tags[tag] = dgst
		return nil
	})
	return tags, err
}

// abs validates a tag path and maps it into the tag namespace. Tag paths
// are relative slash paths that stay inside the namespace.
func (t *Tags) abs(tag string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(tag))
	if clean == "." || clean == ".." || filepath.IsAbs(clean) ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errdefs.InvalidParameter(fmt.Errorf("invalid tag path %q", tag))
	}
	return filepath.Join(t.root, clean), nil
}
