package mpp

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Request describes one package set to resolve.
type Request struct {
	Architecture string   `json:"architecture"`
	Release      string   `json:"release"`
	BaseURL      string   `json:"baseurl"`
	Repos        []Repo   `json:"repos,omitempty"`
	Packages     []string `json:"packages,omitempty"`
}

// Repo is one package repository consulted during resolution.
type Repo struct {
	ID       string `json:"id"`
	Metalink string `json:"metalink,omitempty"`
	BaseURL  string `json:"baseurl,omitempty"`
}

// Package is one resolved package.
type Package struct {
	Checksum digest.Digest `json:"checksum"`
	Name     string        `json:"name"`
	Path     string        `json:"path"`
}

// Resolver resolves a package request into the concrete package set. The
// returned order is irrelevant; callers sort by checksum.
type Resolver interface {
	Depsolve(ctx context.Context, req Request) ([]Package, error)
}

func sortPackages(pkgs []Package) {
	slices.SortFunc(pkgs, func(a, b Package) int {
		return cmp.Compare(a.Checksum, b.Checksum)
	})
}

// parseRequest reads a depsolve annotation object into a Request.
func parseRequest(ann map[string]any) (Request, error) {
	var req Request

	arch, ok := ann["architecture"].(string)
	if !ok {
		return req, invalidf("%s: missing architecture", annotationDepsolve)
	}
	req.Architecture = arch

	switch v := ann["release"].(type) {
	case string:
		req.Release = v
	case json.Number:
		req.Release = v.String()
	default:
		return req, invalidf("%s: missing release", annotationDepsolve)
	}

	baseurl, ok := ann["baseurl"].(string)
	if !ok {
		return req, invalidf("%s: missing baseurl", annotationDepsolve)
	}
	req.BaseURL = baseurl

	if v, ok := ann["packages"]; ok {
		specs, ok := v.([]any)
		if !ok {
			return req, invalidf("%s: packages is not an array", annotationDepsolve)
		}
		for i, s := range specs {
			spec, ok := s.(string)
			if !ok {
				return req, invalidf("%s: packages[%d] is not a string", annotationDepsolve, i)
			}
			req.Packages = append(req.Packages, spec)
		}
	}

	if v, ok := ann["repos"]; ok {
		repos, ok := v.([]any)
		if !ok {
			return req, invalidf("%s: repos is not an array", annotationDepsolve)
		}
		for i, r := range repos {
			obj, ok := r.(map[string]any)
			if !ok {
				return req, invalidf("%s: repos[%d] is not an object", annotationDepsolve, i)
			}
			repo := Repo{}
			if repo.ID, ok = obj["id"].(string); !ok {
				return req, invalidf("%s: repos[%d] has no id", annotationDepsolve, i)
			}
			repo.Metalink, _ = obj["metalink"].(string)
			repo.BaseURL, _ = obj["baseurl"].(string)
			req.Repos = append(req.Repos, repo)
		}
	}

	return req, nil
}

// ExecResolver resolves through an external depsolve helper. The helper
// receives the request as JSON on stdin and answers with a JSON package
// array on stdout.
type ExecResolver struct {
	// Binary is the helper to run. Defaults to "mdb-depsolve".
	Binary string

	// CacheDir, when set, is passed to the helper as --cache for its
	// repository metadata.
	CacheDir string
}

func (r *ExecResolver) Depsolve(ctx context.Context, req Request) ([]Package, error) {
	bin := r.Binary
	if bin == "" {
		bin = "mdb-depsolve"
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var args []string
	if r.CacheDir != "" {
		args = append(args, "--cache", r.CacheDir)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("depsolve helper: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("depsolve helper: %w", err)
	}

	var pkgs []Package
	if err := json.Unmarshal(stdout.Bytes(), &pkgs); err != nil {
		return nil, fmt.Errorf("decoding depsolve response: %w", err)
	}
	for _, pkg := range pkgs {
		if err := pkg.Checksum.Validate(); err != nil {
			return nil, fmt.Errorf("depsolve response for %s: %w", pkg.Name, err)
		}
	}
	return pkgs, nil
}
