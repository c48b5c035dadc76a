// Package mpp expands annotated manifest templates into final manifests.
//
// Templates are ordinary manifests carrying "mpp-" annotations. Each
// annotation is consumed by one transform: depsolve resolves package sets
// into concrete package lists and file sources, pipeline-base rebases a
// pipeline onto an imported one, pipeline-import replaces a pipeline with
// an imported one. Transforms run in rounds until none makes progress, so
// imported content is itself expanded.
package mpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"

	"github.com/osbuild/mdb/errdefs"
	"github.com/osbuild/mdb/manifest"
)

const (
	annotationDepsolve       = "mpp-depsolve"
	annotationPipelineBase   = "mpp-pipeline-base"
	annotationPipelineImport = "mpp-pipeline-import"

	stageRPM = "org.osbuild.rpm"
)

// maxRounds bounds the transform loop so that import cycles fail instead
// of spinning.
const maxRounds = 32

// Options configure a Preprocessor.
type Options struct {
	// BaseDir anchors relative manifest references. Defaults to the
	// current directory.
	BaseDir string

	// Resolver satisfies depsolve annotations. Templates carrying one
	// fail when it is nil.
	Resolver Resolver
}

// Preprocessor expands manifest templates.
type Preprocessor struct {
	baseDir  string
	resolver Resolver
}

// New returns a Preprocessor for the given options.
func New(opts Options) *Preprocessor {
	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir = "."
	}
	return &Preprocessor{
		baseDir:  baseDir,
		resolver: opts.Resolver,
	}
}

// Preprocess decodes one template from r and expands it. The returned
// manifest carries no annotations and is ready for canonical rendering.
func (p *Preprocessor) Preprocess(ctx context.Context, r io.Reader) (*manifest.Manifest, error) {
	m, err := manifest.Decode(r)
	if err != nil {
		return nil, err
	}
	if err := p.expand(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// PreprocessFile is Preprocess over a template file.
func (p *Preprocessor) PreprocessFile(ctx context.Context, path string) (*manifest.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := p.Preprocess(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("preprocessing %s: %w", path, err)
	}
	return m, nil
}

type transform func(ctx context.Context, m *manifest.Manifest) (bool, error)

func (p *Preprocessor) expand(ctx context.Context, m *manifest.Manifest) error {
	transforms := []transform{
		p.depsolve,
		p.pipelineBase,
		p.pipelineImport,
	}
	for round := 0; ; round++ {
		if round == maxRounds {
			return errdefs.InvalidParameter(errors.New("manifest imports do not converge"))
		}
		progress := false
		for _, t := range transforms {
			changed, err := t(ctx, m)
			if err != nil {
				return err
			}
			progress = progress || changed
		}
		if !progress {
			break
		}
	}
	if left := m.Annotations(); len(left) > 0 {
		return errdefs.InvalidParameter(fmt.Errorf("unresolved annotations: %s", strings.Join(left, ", ")))
	}
	return nil
}

// depsolve expands every rpm stage carrying a depsolve annotation.
func (p *Preprocessor) depsolve(ctx context.Context, m *manifest.Manifest) (bool, error) {
	type todo struct {
		opts map[string]any
		ann  map[string]any
	}
	var todos []todo
	for _, level := range m.Levels() {
		pipeline, _ := level["pipeline"].(map[string]any)
		stages, _ := pipeline["stages"].([]any)
		for _, s := range stages {
			stage, _ := s.(map[string]any)
			if stage == nil || stage["name"] != stageRPM {
				continue
			}
			opts, _ := stage["options"].(map[string]any)
			v, ok := opts[annotationDepsolve]
			if !ok {
				continue
			}
			ann, ok := v.(map[string]any)
			if !ok {
				return false, invalidf("%s: not an object", annotationDepsolve)
			}
			todos = append(todos, todo{opts: opts, ann: ann})
		}
	}
	for _, td := range todos {
		if err := p.depsolveOne(ctx, m, td.opts, td.ann); err != nil {
			return false, err
		}
	}
	return len(todos) > 0, nil
}

func (p *Preprocessor) depsolveOne(ctx context.Context, m *manifest.Manifest, opts, ann map[string]any) error {
	if p.resolver == nil {
		return errdefs.InvalidParameter(errors.New("no depsolve resolver configured"))
	}
	req, err := parseRequest(ann)
	if err != nil {
		return err
	}

	log.G(ctx).WithFields(log.Fields{
		"architecture": req.Architecture,
		"release":      req.Release,
		"packages":     len(req.Packages),
	}).Debug("resolving package set")

	pkgs, err := p.resolver.Depsolve(ctx, req)
	if err != nil {
		return fmt.Errorf("resolving packages: %w", err)
	}
	sortPackages(pkgs)

	packages, _ := opts["packages"].([]any)
	urls := make(map[string]string, len(pkgs))
	for _, pkg := range pkgs {
		packages = append(packages, pkg.Checksum.String())
		urls[pkg.Checksum.String()] = req.BaseURL + "/" + pkg.Path
	}
	if len(packages) > 0 {
		opts["packages"] = packages
	}
	if err := m.UpdateURLs(urls); err != nil {
		return err
	}
	delete(opts, annotationDepsolve)
	return nil
}

// pipelineBase rebases every pipeline carrying a base annotation onto the
// referenced manifest: its sources are merged, its build pipeline adopted,
// and its stages prepended.
func (p *Preprocessor) pipelineBase(ctx context.Context, m *manifest.Manifest) (bool, error) {
	var todos []map[string]any
	for _, level := range m.Levels() {
		pipeline, _ := level["pipeline"].(map[string]any)
		if pipeline == nil {
			continue
		}
		if _, ok := pipeline[annotationPipelineBase]; ok {
			todos = append(todos, pipeline)
		}
	}
	for _, pipeline := range todos {
		if err := p.rebaseOne(ctx, m, pipeline); err != nil {
			return false, err
		}
	}
	return len(todos) > 0, nil
}

func (p *Preprocessor) rebaseOne(ctx context.Context, m *manifest.Manifest, pipeline map[string]any) error {
	ref, ok := pipeline[annotationPipelineBase].(string)
	if !ok {
		return invalidf("%s: not a string", annotationPipelineBase)
	}
	imp, err := p.load(ctx, ref)
	if err != nil {
		return err
	}

	impPipeline := imp.Pipeline()
	if pipeline["build"] != nil && impPipeline["build"] != nil {
		return errdefs.Conflict(fmt.Errorf("rebasing on %s: conflicting build pipelines", ref))
	}
	if err := m.MergeSources(imp.Sources()); err != nil {
		return fmt.Errorf("merging sources of %s: %w", ref, err)
	}
	if build := impPipeline["build"]; build != nil {
		pipeline["build"] = build
	}

	existing, _ := pipeline["stages"].([]any)
	stages := make([]any, 0, len(imp.Stages())+len(existing))
	stages = append(stages, imp.Stages()...)
	stages = append(stages, existing...)
	if len(stages) > 0 {
		pipeline["stages"] = stages
	}

	delete(pipeline, annotationPipelineBase)
	return nil
}

// pipelineImport replaces every level carrying an import annotation with
// the referenced manifest's pipeline, merging its sources.
func (p *Preprocessor) pipelineImport(ctx context.Context, m *manifest.Manifest) (bool, error) {
	var todos []map[string]any
	for _, level := range m.Levels() {
		if _, ok := level[annotationPipelineImport]; ok {
			todos = append(todos, level)
		}
	}
	for _, level := range todos {
		if err := p.importOne(ctx, m, level); err != nil {
			return false, err
		}
	}
	return len(todos) > 0, nil
}

func (p *Preprocessor) importOne(ctx context.Context, m *manifest.Manifest, level map[string]any) error {
	ref, ok := level[annotationPipelineImport].(string)
	if !ok {
		return invalidf("%s: not a string", annotationPipelineImport)
	}
	imp, err := p.load(ctx, ref)
	if err != nil {
		return err
	}
	if err := m.MergeSources(imp.Sources()); err != nil {
		return fmt.Errorf("merging sources of %s: %w", ref, err)
	}
	level["pipeline"] = imp.Pipeline()
	delete(level, annotationPipelineImport)
	return nil
}

// load reads a referenced manifest relative to the preprocessor base
// directory.
func (p *Preprocessor) load(ctx context.Context, ref string) (*manifest.Manifest, error) {
	log.G(ctx).WithField("ref", ref).Debug("importing manifest")

	f, err := os.Open(filepath.Join(p.baseDir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound(fmt.Errorf("importing %s: %w", ref, err))
		}
		return nil, fmt.Errorf("importing %s: %w", ref, err)
	}
	defer f.Close()

	m, err := manifest.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("importing %s: %w", ref, err)
	}
	return m, nil
}

func invalidf(format string, args ...any) error {
	return errdefs.InvalidParameter(fmt.Errorf(format, args...))
}
