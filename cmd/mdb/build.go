package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/osbuild/mdb/engine"
)

type buildOptions struct {
	output      string
	storeDir    string
	checkpoints []string
	exports     []string
	engineBin   string
	libDir      string
}

func newBuildCommand(opts *rootOptions) *cobra.Command {
	var bopts buildOptions

	cmd := &cobra.Command{
		Use:   "build REF",
		Short: "Run the build engine on a stored manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), opts, bopts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&bopts.output, "output", "", "Directory receiving build artifacts")
	flags.StringVar(&bopts.storeDir, "store", "", "Engine object store (default: under the cache directory)")
	flags.StringArrayVar(&bopts.checkpoints, "checkpoint", nil, "Pipeline to checkpoint in the engine store")
	flags.StringArrayVar(&bopts.exports, "export", nil, "Pipeline whose result is kept in the output directory")
	flags.StringVar(&bopts.engineBin, "engine", "", "Build engine binary")
	flags.StringVar(&bopts.libDir, "libdir", "", "Build engine library directory")
	cmd.MarkFlagRequired("output")
	return cmd
}

func runBuild(ctx context.Context, opts *rootOptions, bopts buildOptions, ref string) error {
	db, err := openDatabase(opts)
	if err != nil {
		return err
	}
	dgst, err := db.resolveRef(ref)
	if err != nil {
		return err
	}
	data, err := db.store.Get(dgst)
	if err != nil {
		return err
	}

	storeDir := bopts.storeDir
	if storeDir == "" {
		cache, err := opts.cacheDir()
		if err != nil {
			return err
		}
		storeDir = filepath.Join(cache, "engine-store")
	}

	eng := &engine.ExecClient{Binary: bopts.engineBin, LibDir: bopts.libDir, Stdout: os.Stdout}
	if err := eng.Build(ctx, data, engine.BuildOptions{
		Output:      bopts.output,
		StoreDir:    storeDir,
		Checkpoints: bopts.checkpoints,
		Exports:     bopts.exports,
	}); err != nil {
		return err
	}
	fmt.Printf("Built %s\n", dgst)
	return nil
}
