package sourcecache

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// pack archives the staging directory for dgst into a reproducible
// tar.gz stream: entries in lexical order, zeroed timestamps, fixed
// modes and ownership. Equal staged content always produces equal
// bytes, which is what lets the remote treat re-publishing unchanged
// sources as idempotent.
func (s *Synchronizer) pack(dgst digest.Digest) (*os.File, int64, func(), error) {
	root := s.dir(dgst)
	f, err := os.CreateTemp("", "mdb-pack-")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to stage source pack: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	fail := func(err error) (*os.File, int64, func(), error) {
		cleanup()
		return nil, 0, nil, err
	}

	gz, err := gzip.NewWriterLevel(f, gzip.BestCompression)
	if err != nil {
		return fail(err)
	}
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(filepath.Base(name), ".") {
			// Stray download temp files are not cache content.
			return nil
		}

		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     0o755,
				ModTime:  time.Unix(0, 0),
				Format:   tar.FormatUSTAR,
			})
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     0o644,
				Size:     info.Size(),
				ModTime:  time.Unix(0, 0),
				Format:   tar.FormatUSTAR,
			}); err != nil {
				return err
			}
			src, err := os.Open(p)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, src)
			src.Close()
			return err
		default:
			return fmt.Errorf("unexpected entry in staging directory: %s", name)
		}
	})
	if err != nil {
		return fail(fmt.Errorf("packing sources for %s: %w", dgst, err))
	}
	if err := tw.Close(); err != nil {
		return fail(err)
	}
	if err := gz.Close(); err != nil {
		return fail(err)
	}

	info, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}
	return f, info.Size(), cleanup, nil
}

var emptyBlob = sync.OnceValue(func() []byte {
	var buf bytes.Buffer
	gz, _ := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	tw := tar.NewWriter(gz)
	tw.Close()
	gz.Close()
	return buf.Bytes()
})

// EmptyBlob returns the tombstone payload: an empty archive with
// byte-stable encoding. Wiping a cache entry publishes exactly these
// bytes.
func EmptyBlob() []byte {
	return bytes.Clone(emptyBlob())
}

// EmptyDigest returns the digest of the tombstone payload, for wiring
// into the remote client's immutability rule.
func EmptyDigest() digest.Digest {
	return digest.FromBytes(emptyBlob())
}
