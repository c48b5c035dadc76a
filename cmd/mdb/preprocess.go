package main

import (
	"context"
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/osbuild/mdb/preprocess"
	"github.com/osbuild/mdb/vcs"
)

// defaultExcludes skips hidden files at every depth, which keeps VCS
// metadata and editor droppings out of the database.
func defaultExcludes() []string {
	return []string{".*", "**/.*"}
}

type preprocessOptions struct {
	exclude    []string
	depsolver  string
	noSnapshot bool
}

func newPreprocessCommand(opts *rootOptions) *cobra.Command {
	var popts preprocessOptions

	cmd := &cobra.Command{
		Use:   "preprocess [PATH...]",
		Short: "Expand source templates into the database",
		Long: `Expand the templates under the source tree (or only the given paths)
into canonical manifests, store each under its checksum, and tag it with
its source path. When the source tree is committed, the resulting state
is recorded as the new snapshot for drift detection.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreprocess(cmd.Context(), opts, popts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&popts.exclude, "exclude", defaultExcludes(), "Source patterns to skip")
	flags.StringVar(&popts.depsolver, "depsolver", "", "Depsolve helper binary")
	flags.BoolVar(&popts.noSnapshot, "no-snapshot", false, "Do not update the committed snapshot")
	return cmd
}

func runPreprocess(ctx context.Context, opts *rootOptions, popts preprocessOptions, paths []string) error {
	db, err := openDatabase(opts)
	if err != nil {
		return err
	}
	expander, err := db.expander(popts.depsolver)
	if err != nil {
		return err
	}

	pipe := &preprocess.Pipeline{
		Source:      opts.source,
		Store:       db.store,
		Tags:        db.tags,
		Expander:    expander,
		Exclude:     popts.exclude,
		Concurrency: opts.concurrency,
	}
	res, err := pipe.Run(ctx, paths...)
	if err != nil {
		return err
	}
	fmt.Printf("Preprocessed %d templates, %d new objects\n", len(res.Digests), res.Created)

	if popts.noSnapshot {
		return nil
	}
	return updateSnapshot(ctx, db)
}

// updateSnapshot records the database state as the committed baseline,
// unless the source tree has uncommitted changes. A source tree outside
// version control is snapshotted as-is.
func updateSnapshot(ctx context.Context, db *database) error {
	git := &vcs.GitClient{Dir: db.opts.source}
	dirty, err := git.Status(ctx, "")
	switch {
	case err != nil:
		log.G(ctx).WithError(err).Debug("working tree check unavailable")
	case len(dirty) > 0:
		log.G(ctx).WithField("paths", len(dirty)).Warn("source tree has uncommitted changes, keeping previous snapshot")
		return nil
	}

	snap, err := preprocess.Capture(db.store, db.tags)
	if err != nil {
		return err
	}
	if err := snap.Save(db.opts.root); err != nil {
		return err
	}
	log.G(ctx).WithFields(log.Fields{
		"objects": len(snap.Objects),
		"tags":    len(snap.Tags),
	}).Info("snapshot updated")
	return nil
}
