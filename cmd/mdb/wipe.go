package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newWipeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wipe REF [REF...]",
		Short: "Invalidate published sources for a manifest",
		Long: `Replace the published source archive of each manifest with an empty
one. The remote never deletes tags, so this is how stale or broken cache
entries are retired; pulling a wiped entry yields an empty staging area.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWipe(cmd.Context(), opts, args)
		},
	}
}

func runWipe(ctx context.Context, opts *rootOptions, refs []string) error {
	db, err := openDatabase(opts)
	if err != nil {
		return err
	}
	sync, err := db.synchronizer(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		dgst, err := db.resolveRef(ref)
		if err != nil {
			return err
		}
		if err := sync.Wipe(ctx, dgst); err != nil {
			return err
		}
		fmt.Printf("Wiped %s\n", dgst)
	}
	return nil
}
