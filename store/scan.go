package store

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Kind classifies one database entry.
type Kind int

const (
	// KindObject is a regular file in the checksum namespace.
	KindObject Kind = iota
	// KindReference is a symlink in the tag namespace.
	KindReference
	// KindGroup is a grouping directory in the tag namespace.
	KindGroup
	// KindForeign is anything else: the wrong file type for its
	// namespace, or a checksum entry whose name is not a digest.
	KindForeign
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindReference:
		return "reference"
	case KindGroup:
		return "group"
	default:
		return "foreign"
	}
}

// Entry is one filesystem entry under a database namespace.
type Entry struct {
	// Path is the entry's slash path relative to the database root.
	Path string
	// Kind is the entry's structural classification.
	Kind Kind
	// Digest is the object's digest (KindObject), or the reference's
	// target digest (KindReference) when the target is well formed.
	Digest digest.Digest
	// Target is the raw link target of a reference.
	Target string
}

// Scan enumerates every entry under both namespaces of the database at
// root and classifies each. Scan records, it does not judge: the
// verifier's structural check interprets the result.
func Scan(root string) ([]Entry, error) {
	var entries []Entry

	storeRoot := filepath.Join(root, checksumDir)
	objects, err := os.ReadDir(storeRoot)
	if err != nil {
		return nil, fmt.Errorf("reading checksum namespace: %w", err)
	}
	for _, obj := range objects {
		entry := Entry{
			Path: path.Join(checksumDir, obj.Name()),
			Kind: KindForeign,
		}
		if obj.Type().IsRegular() {
			if dgst, err := ParseDigestName(obj.Name()); err == nil {
				entry.Kind = KindObject
				entry.Digest = dgst
			}
		}
		entries = append(entries, entry)
	}

	tagRoot := filepath.Join(root, tagDir)
	err = filepath.WalkDir(tagRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == tagRoot {
			return nil
		}
		rel, err := filepath.Rel(tagRoot, p)
		if err != nil {
			return err
		}
		entry := Entry{Path: path.Join(tagDir, filepath.ToSlash(rel))}
		switch {
		case d.IsDir():
			entry.Kind = KindGroup
		case d.Type()&os.ModeSymlink != 0:
			entry.Kind = KindReference
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			entry.Target = target
			// The digest stays empty unless the target terminates
			// directly in the checksum namespace.
			resolved := target
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(filepath.Dir(p), target)
			}
			if filepath.Dir(resolved) == storeRoot {
				if dgst, err := ParseDigestName(filepath.Base(resolved)); err == nil {
					entry.Digest = dgst
				}
			}
		default:
			entry.Kind = KindForeign
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading tag namespace: %w", err)
	}
	return entries, nil
}
