// mdb maintains a content-addressed database of osbuild manifests:
// templates from a source tree expand into canonical manifests stored by
// checksum, with human-readable tags pointing into the checksum
// namespace and a snapshot recording the committed state.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/osbuild/mdb/version"
)

// statusError carries a specific process exit code out of a command.
type statusError struct {
	status string
	code   int
}

func (e statusError) Error() string {
	return e.status
}

type rootOptions struct {
	root        string
	source      string
	cache       string
	remote      string
	concurrency int
	logLevel    string
}

// cacheDir resolves the cache directory, falling back to a tool
// subdirectory of the platform cache location.
func (o *rootOptions) cacheDir() (string, error) {
	if o.cache != "" {
		return o.cache, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("no usable cache directory: %w", err)
	}
	return filepath.Join(base, "mdb"), nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "mdb",
		Short:         "Maintain a content-addressed database of build manifests",
		Version:       fmt.Sprintf("%s, commit %s", version.Version, version.GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.SetLevel(opts.logLevel)
		},
	}

	installRootFlags(cmd.PersistentFlags(), opts)

	cmd.AddCommand(
		newPreprocessCommand(opts),
		newPrefetchCommand(opts),
		newPushCommand(opts),
		newPullCommand(opts),
		newWipeCommand(opts),
		newVerifyCommand(opts),
		newBuildCommand(opts),
		newListCommand(opts),
	)
	return cmd
}

func installRootFlags(flags *pflag.FlagSet, opts *rootOptions) {
	flags.StringVar(&opts.root, "root", ".", "Database root directory")
	flags.StringVar(&opts.source, "source", ".", "Template source tree")
	flags.StringVar(&opts.cache, "cache", "", "Cache directory (default: platform user cache)")
	flags.StringVar(&opts.remote, "remote", "", "Remote source cache URL (http, https, s3 or gs)")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "Parallel jobs for batch operations")
	flags.StringVar(&opts.logLevel, "log-level", "info", `Logging level ("debug", "info", "warn", "error")`)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		var sterr statusError
		if errors.As(err, &sterr) {
			if sterr.status != "" {
				fmt.Fprintln(os.Stderr, sterr.status)
			}
			os.Exit(sterr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
