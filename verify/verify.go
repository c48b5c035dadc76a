// Package verify runs the database health checks: structural invariants
// of the two on-disk namespaces, engine acceptance of every stored
// manifest, and drift of the database against its template source tree.
// Checks accumulate findings instead of stopping at the first, so one
// run surfaces everything that needs fixing.
package verify

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/mdb/engine"
	"github.com/osbuild/mdb/errdefs"
	"github.com/osbuild/mdb/preprocess"
	"github.com/osbuild/mdb/store"
	"github.com/osbuild/mdb/vcs"
)

const defaultConcurrency = 4

// Kind labels a class of violation.
type Kind string

const (
	// KindInvariant marks an entry of the wrong kind for its
	// namespace.
	KindInvariant Kind = "invariant"
	// KindDangling marks a reference whose target is not stored.
	KindDangling Kind = "dangling-reference"
	// KindIntegrity marks stored content that no longer matches its
	// checksum.
	KindIntegrity Kind = "integrity"
	// KindFormat marks a manifest the engine rejects.
	KindFormat Kind = "format"
	// KindDrift marks a difference between the committed snapshot and
	// a regeneration from source.
	KindDrift Kind = "drift"
)

// Violation is one verifier finding.
type Violation struct {
	Kind   Kind
	Path   string
	Digest digest.Digest
	Detail string
}

func (v Violation) String() string {
	parts := []string{string(v.Kind)}
	if v.Path != "" {
		parts = append(parts, v.Path)
	}
	if v.Digest != "" {
		parts = append(parts, v.Digest.String())
	}
	if v.Detail != "" {
		parts = append(parts, v.Detail)
	}
	return strings.Join(parts, ": ")
}

// Report aggregates violations across checks.
type Report struct {
	Violations []Violation
}

// Add appends findings to the report.
func (r *Report) Add(violations ...Violation) {
	r.Violations = append(r.Violations, violations...)
}

// OK reports whether no check found anything.
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

// Verifier checks one database.
type Verifier struct {
	// Root is the database root holding both namespaces and the
	// committed snapshot.
	Root string

	Store *store.Store
	Tags  *store.Tags

	// Engine is consulted by the format check.
	Engine engine.Client

	// Concurrency bounds parallel format inspections. Zero selects a
	// default.
	Concurrency int
}

// Structural checks the two namespaces: the checksum namespace holds
// only objects named by their digest, everything outside it is a
// reference or a plain directory, and every reference terminates on an
// object that exists.
func (v *Verifier) Structural() ([]Violation, error) {
	entries, err := store.Scan(v.Root)
	if err != nil {
		return nil, err
	}
	var violations []Violation
	for _, e := range entries {
		switch e.Kind {
		case store.KindObject, store.KindGroup:
		case store.KindForeign:
			violations = append(violations, Violation{
				Kind:   KindInvariant,
				Path:   e.Path,
				Detail: "not a valid entry for its namespace",
			})
		case store.KindReference:
			if e.Digest == "" {
				violations = append(violations, Violation{
					Kind:   KindInvariant,
					Path:   e.Path,
					Detail: fmt.Sprintf("reference does not terminate in the checksum namespace: %s", e.Target),
				})
				continue
			}
			if !v.Store.Has(e.Digest) {
				violations = append(violations, Violation{
					Kind:   KindDangling,
					Path:   e.Path,
					Digest: e.Digest,
					Detail: "reference target is not stored",
				})
			}
		}
	}
	return violations, nil
}

// Format checks stored manifests against the engine's schema. With no
// digests given, every stored manifest is checked; a subset runs under
// the same per-manifest contract.
func (v *Verifier) Format(ctx context.Context, digests ...digest.Digest) ([]Violation, error) {
	if len(digests) == 0 {
		var err error
		digests, err = v.Store.List()
		if err != nil {
			return nil, err
		}
	}

	var (
		mu         sync.Mutex
		violations []Violation
	)
	record := func(viol Violation) {
		mu.Lock()
		violations = append(violations, viol)
		mu.Unlock()
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(v.concurrency())
	for _, dgst := range digests {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := v.Store.Get(dgst)
			if err != nil {
				kind := KindFormat
				if errdefs.IsIntegrity(err) {
					kind = KindIntegrity
				}
				record(Violation{Kind: kind, Digest: dgst, Detail: err.Error()})
				return nil
			}
			if err := v.Engine.Inspect(ctx, data); err != nil {
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				record(Violation{Kind: KindFormat, Digest: dgst, Detail: err.Error()})
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Digest < violations[j].Digest
	})
	return violations, nil
}

// DriftOptions configures a drift check.
type DriftOptions struct {
	// Source is the template source root to regenerate from.
	Source string

	// Exclude holds source patterns the scratch pipeline skips, in
	// .dockerignore syntax.
	Exclude []string

	// Expander expands templates. It must be wired the same way the
	// committed run was, or the comparison is meaningless.
	Expander preprocess.Expander

	// VCS reports uncommitted changes under Source. Nil skips the
	// cleanliness gate.
	VCS vcs.Client

	// Scope narrows the VCS query. Empty covers the whole checkout.
	Scope string
}

// Drift re-runs preprocessing into a scratch database and compares the
// result against the committed snapshot. The comparison is only
// authoritative from a clean checkout, so uncommitted source changes are
// reported instead of regenerating from them.
func (v *Verifier) Drift(ctx context.Context, opts DriftOptions) ([]Violation, error) {
	committed, err := preprocess.Load(v.Root)
	if err != nil {
		return nil, err
	}

	if opts.VCS != nil {
		changed, err := opts.VCS.Status(ctx, opts.Scope)
		if err != nil {
			return nil, err
		}
		if len(changed) > 0 {
			violations := make([]Violation, 0, len(changed))
			for _, p := range changed {
				violations = append(violations, Violation{
					Kind:   KindDrift,
					Path:   p,
					Detail: "uncommitted change in source tree",
				})
			}
			return violations, nil
		}
	}

	scratch, err := os.MkdirTemp("", "mdb-verify-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)
	log.G(ctx).WithField("dir", scratch).Debug("regenerating database for drift check")

	s, tags, err := store.Open(scratch)
	if err != nil {
		return nil, err
	}
	pipeline := &preprocess.Pipeline{
		Source:      opts.Source,
		Store:       s,
		Tags:        tags,
		Expander:    opts.Expander,
		Exclude:     opts.Exclude,
		Concurrency: v.Concurrency,
	}
	if _, err := pipeline.Run(ctx); err != nil {
		return nil, fmt.Errorf("regenerating from %s: %w", opts.Source, err)
	}

	current, err := preprocess.Capture(s, tags)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	drift := preprocess.Diff(committed, current)
	for _, tag := range drift.ChangedTags {
		violations = append(violations, Violation{
			Kind:   KindDrift,
			Path:   tag,
			Digest: current.Tags[tag],
			Detail: "tag target differs from committed snapshot",
		})
	}
	for _, tag := range drift.AddedTags {
		violations = append(violations, Violation{
			Kind:   KindDrift,
			Path:   tag,
			Digest: current.Tags[tag],
			Detail: "tag not in committed snapshot",
		})
	}
	for _, tag := range drift.RemovedTags {
		violations = append(violations, Violation{
			Kind:   KindDrift,
			Path:   tag,
			Digest: committed.Tags[tag],
			Detail: "committed tag no longer produced",
		})
	}
	for _, dgst := range drift.AddedObjects {
		violations = append(violations, Violation{
			Kind:   KindDrift,
			Digest: dgst,
			Detail: "object not in committed snapshot",
		})
	}
	for _, dgst := range drift.RemovedObjects {
		violations = append(violations, Violation{
			Kind:   KindDrift,
			Digest: dgst,
			Detail: "committed object no longer produced",
		})
	}
	return violations, nil
}

func (v *Verifier) concurrency() int {
	if v.Concurrency > 0 {
		return v.Concurrency
	}
	return defaultConcurrency
}
