package mpp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
)

// CachedResolver memoizes resolver responses on disk, keyed by the digest
// of the request. A hit reproduces the cached response byte for byte, so
// caching cannot change preprocessing output, only skip helper runs.
type CachedResolver struct {
	// Next performs the resolution on a cache miss.
	Next Resolver

	// Dir is the cache directory. Entries live at <Dir>/<algorithm>/<hex>.
	Dir string
}

func (r *CachedResolver) Depsolve(ctx context.Context, req Request) ([]Package, error) {
	key, err := requestKey(req)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(r.Dir, key.Algorithm().String(), key.Encoded())

	if data, err := os.ReadFile(path); err == nil {
		var pkgs []Package
		if err := json.Unmarshal(data, &pkgs); err == nil {
			log.G(ctx).WithField("key", key).Debug("depsolve cache hit")
			return pkgs, nil
		}
		// Unreadable entries are resolved again and overwritten.
		log.G(ctx).WithField("key", key).Warn("discarding corrupt depsolve cache entry")
	}

	pkgs, err := r.Next.Depsolve(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := r.save(path, pkgs); err != nil {
		log.G(ctx).WithError(err).WithField("key", key).Warn("failed to cache depsolve response")
	}
	return pkgs, nil
}

func (r *CachedResolver) save(path string, pkgs []Package) error {
	data, err := json.Marshal(pkgs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(path, data, 0o644)
}

// requestKey derives the cache key for a request from its JSON encoding.
func requestKey(req Request) (digest.Digest, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding depsolve request: %w", err)
	}
	return digest.Canonical.FromBytes(data), nil
}
