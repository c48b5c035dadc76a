// Package preprocess drives template expansion over a source tree and
// reconciles the results into the manifest database: each template is
// expanded, stored under its canonical checksum, and tagged under its
// source path. Runs are a pure function of the source tree, which is what
// makes drift detection against a committed snapshot meaningful.
package preprocess

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/moby/patternmatcher"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/mdb/errdefs"
	"github.com/osbuild/mdb/manifest"
	"github.com/osbuild/mdb/store"
)

const defaultConcurrency = 4

// Expander turns one template file into an expanded manifest.
type Expander interface {
	PreprocessFile(ctx context.Context, path string) (*manifest.Manifest, error)
}

// Pipeline processes a template source tree into the database.
type Pipeline struct {
	// Source is the template source tree root.
	Source string

	// Store and Tags are the database namespaces being filled.
	Store *store.Store
	Tags  *store.Tags

	// Expander expands one template.
	Expander Expander

	// Exclude holds source paths to skip, in .dockerignore pattern
	// syntax.
	Exclude []string

	// Concurrency bounds parallel template jobs. Zero selects a
	// default.
	Concurrency int
}

// Result reports one pipeline run.
type Result struct {
	// Digests maps each processed source path to its manifest digest.
	Digests map[string]digest.Digest

	// Created counts store entries this run added.
	Created int
}

// Run processes the templates under the given source paths, or the whole
// source tree when none are given. Template jobs run concurrently; the
// outcome is independent of scheduling because storing is idempotent and
// every tag is written by exactly one job.
func (p *Pipeline) Run(ctx context.Context, paths ...string) (*Result, error) {
	files, err := p.collect(paths)
	if err != nil {
		return nil, err
	}

	before := map[digest.Digest]bool{}
	if err := p.Store.Walk(func(dgst digest.Digest) error {
		before[dgst] = true
		return nil
	}); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	result := &Result{Digests: make(map[string]digest.Digest, len(files))}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.concurrency())
	for _, file := range files {
		eg.Go(func() error {
			dgst, err := p.processOne(ctx, file)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Digests[file] = dgst
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	created := map[digest.Digest]bool{}
	for _, dgst := range result.Digests {
		if !before[dgst] {
			created[dgst] = true
		}
	}
	result.Created = len(created)
	return result, nil
}

// processOne expands one template, stores the canonical bytes, and points
// the template's tag at the result.
func (p *Pipeline) processOne(ctx context.Context, file string) (digest.Digest, error) {
	m, err := p.Expander.PreprocessFile(ctx, filepath.Join(p.Source, filepath.FromSlash(file)))
	if err != nil {
		return "", err
	}
	data, err := m.Canonical()
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", file, err)
	}
	dgst, err := p.Store.Put(data)
	if err != nil {
		return "", fmt.Errorf("storing %s: %w", file, err)
	}
	if err := p.Tags.Set(file, dgst); err != nil {
		return "", err
	}

	log.G(ctx).WithFields(log.Fields{
		"path":   file,
		"digest": dgst,
		"size":   units.HumanSize(float64(len(data))),
	}).Info("manifest stored")
	return dgst, nil
}

// collect lists the template files under the requested paths as sorted,
// slash-separated paths relative to the source root.
func (p *Pipeline) collect(paths []string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	pm, err := patternmatcher.New(p.Exclude)
	if err != nil {
		return nil, errdefs.InvalidParameter(fmt.Errorf("invalid exclude pattern: %w", err))
	}

	seen := map[string]bool{}
	var files []string
	add := func(abs string) error {
		rel, err := filepath.Rel(p.Source, abs)
		if err != nil {
			return err
		}
		file := filepath.ToSlash(rel)
		if skip, err := pm.MatchesOrParentMatches(file); err != nil || skip {
			return err
		}
		if !seen[file] {
			seen[file] = true
			files = append(files, file)
		}
		return nil
	}

	for _, req := range paths {
		abs := filepath.Join(p.Source, filepath.FromSlash(req))
		fi, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errdefs.NotFound(fmt.Errorf("no such template path %q", req))
			}
			return nil, err
		}
		if !fi.IsDir() {
			if err := add(abs); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(abs, func(fp string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			return add(fp)
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func (p *Pipeline) concurrency() int {
	if p.Concurrency > 0 {
		return p.Concurrency
	}
	return defaultConcurrency
}
