// Package vcs answers one question: does the template source tree carry
// uncommitted changes. Drift verification only trusts a comparison
// against the committed snapshot when the checkout itself is clean.
package vcs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Client reports the working tree state of a source checkout.
type Client interface {
	// Status returns the paths under scope with uncommitted changes.
	// An empty scope covers the whole checkout.
	Status(ctx context.Context, scope string) ([]string, error)
}

// GitClient asks git about a checkout.
type GitClient struct {
	// Dir is the checkout to query.
	Dir string

	// Binary overrides the git binary. Empty means "git" from PATH.
	Binary string
}

func (c *GitClient) Status(ctx context.Context, scope string) ([]string, error) {
	args := []string{"status", "--porcelain", "--untracked-files=all"}
	if scope != "" {
		args = append(args, "--", scope)
	}

	cmd := exec.CommandContext(ctx, c.binary(), args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("git status: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("git status: %w", err)
	}

	// Porcelain v1 lines are "XY path", with renames spelled
	// "XY old -> new".
	var paths []string
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		line := sc.Text()
		if len(line) < 4 {
			continue
		}
		p := line[3:]
		if _, after, ok := strings.Cut(p, " -> "); ok {
			p = after
		}
		paths = append(paths, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	return paths, nil
}

func (c *GitClient) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "git"
}
