package main

import (
	"context"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/osbuild/mdb/mpp"
	"github.com/osbuild/mdb/preprocess"
	"github.com/osbuild/mdb/registry"
	"github.com/osbuild/mdb/sourcecache"
	"github.com/osbuild/mdb/store"
)

// database bundles the open namespaces of one manifest database.
type database struct {
	opts  *rootOptions
	store *store.Store
	tags  *store.Tags
}

func openDatabase(opts *rootOptions) (*database, error) {
	s, tags, err := store.Open(opts.root)
	if err != nil {
		return nil, err
	}
	return &database{opts: opts, store: s, tags: tags}, nil
}

// expander wires the template preprocessor with a disk-cached depsolve
// resolver.
func (db *database) expander(depsolver string) (preprocess.Expander, error) {
	cache, err := db.opts.cacheDir()
	if err != nil {
		return nil, err
	}
	resolver := &mpp.CachedResolver{
		Next: &mpp.ExecResolver{
			Binary:   depsolver,
			CacheDir: filepath.Join(cache, "metadata"),
		},
		Dir: filepath.Join(cache, "depsolve"),
	}
	return mpp.New(mpp.Options{
		BaseDir:  db.opts.source,
		Resolver: resolver,
	}), nil
}

// synchronizer wires the source cache, connecting the remote when one is
// configured.
func (db *database) synchronizer(ctx context.Context) (*sourcecache.Synchronizer, error) {
	cache, err := db.opts.cacheDir()
	if err != nil {
		return nil, err
	}
	var remote registry.Client
	if db.opts.remote != "" {
		remote, err = registry.New(ctx, db.opts.remote, registry.Options{
			Tombstone: sourcecache.EmptyDigest(),
		})
		if err != nil {
			return nil, err
		}
	}
	return &sourcecache.Synchronizer{
		Root:        filepath.Join(cache, "sources"),
		Store:       db.store,
		Remote:      remote,
		Concurrency: db.opts.concurrency,
	}, nil
}

// resolveRef turns a command line reference into a digest. A reference
// is a digest, a digest in file form, or a tag path.
func (db *database) resolveRef(ref string) (digest.Digest, error) {
	if dgst, err := digest.Parse(ref); err == nil {
		return dgst, nil
	}
	if dgst, err := store.ParseDigestName(ref); err == nil {
		return dgst, nil
	}
	return db.tags.Resolve(ref)
}

// resolveRefs resolves each reference, or lists the whole store when
// none are given.
func (db *database) resolveRefs(refs []string) ([]digest.Digest, error) {
	if len(refs) == 0 {
		return db.store.List()
	}
	digests := make([]digest.Digest, 0, len(refs))
	for _, ref := range refs {
		dgst, err := db.resolveRef(ref)
		if err != nil {
			return nil, err
		}
		digests = append(digests, dgst)
	}
	return digests, nil
}
