// Package engine invokes the osbuild engine on rendered manifests. The
// database only ever hands the engine fully expanded documents; anything
// the engine rejects points at a defect in the template or the expansion,
// not at missing inputs.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/containerd/log"
)

const defaultBinary = "osbuild"

// BuildOptions controls one engine run.
type BuildOptions struct {
	// Output is the directory receiving build artifacts.
	Output string

	// StoreDir is the engine's own object store.
	StoreDir string

	// Checkpoints are pipeline names the engine should cache.
	Checkpoints []string

	// Exports are pipeline names whose results are kept in the output
	// directory.
	Exports []string
}

// Client runs engine operations on rendered manifests.
type Client interface {
	// Inspect checks one rendered manifest against the engine's
	// schema without building anything.
	Inspect(ctx context.Context, data []byte) error

	// Build runs the engine on one rendered manifest.
	Build(ctx context.Context, data []byte, opts BuildOptions) error
}

// ExecClient shells out to the osbuild binary.
type ExecClient struct {
	// Binary overrides the engine binary. Empty means "osbuild" from
	// PATH.
	Binary string

	// LibDir passes --libdir to the engine when set.
	LibDir string

	// Stdout receives the engine's progress output. Nil discards it.
	Stdout io.Writer
}

func (c *ExecClient) Inspect(ctx context.Context, data []byte) error {
	path, cleanup, err := writeManifest(data)
	if err != nil {
		return err
	}
	defer cleanup()
	return c.run(ctx, append(c.commonArgs(), "--inspect", path))
}

func (c *ExecClient) Build(ctx context.Context, data []byte, opts BuildOptions) error {
	path, cleanup, err := writeManifest(data)
	if err != nil {
		return err
	}
	defer cleanup()

	args := c.commonArgs()
	if opts.StoreDir != "" {
		args = append(args, "--store", opts.StoreDir)
	}
	if opts.Output != "" {
		args = append(args, "--output-directory", opts.Output)
	}
	for _, name := range opts.Checkpoints {
		args = append(args, "--checkpoint", name)
	}
	for _, name := range opts.Exports {
		args = append(args, "--export", name)
	}
	args = append(args, path)
	return c.run(ctx, args)
}

func (c *ExecClient) commonArgs() []string {
	var args []string
	if c.LibDir != "" {
		args = append(args, "--libdir", c.LibDir)
	}
	return args
}

func (c *ExecClient) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return defaultBinary
}

func (c *ExecClient) run(ctx context.Context, args []string) error {
	log.G(ctx).WithFields(log.Fields{
		"binary": c.binary(),
		"args":   args,
	}).Debug("invoking build engine")

	cmd := exec.CommandContext(ctx, c.binary(), args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("build engine: %w: %s", err, msg)
		}
		return fmt.Errorf("build engine: %w", err)
	}
	return nil
}

// writeManifest spills the manifest to a temporary file because the
// engine only accepts a path argument.
func writeManifest(data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "mdb-manifest-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("failed to stage manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to stage manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to stage manifest: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
