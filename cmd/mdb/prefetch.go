package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPrefetchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch [REF...]",
		Short: "Download declared manifest sources into the local cache",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrefetch(cmd.Context(), opts, args)
		},
	}
}

func runPrefetch(ctx context.Context, opts *rootOptions, refs []string) error {
	db, err := openDatabase(opts)
	if err != nil {
		return err
	}
	sync, err := db.synchronizer(ctx)
	if err != nil {
		return err
	}
	digests, err := db.resolveRefs(refs)
	if err != nil {
		return err
	}
	for _, dgst := range digests {
		if err := sync.Prefetch(ctx, dgst); err != nil {
			return err
		}
	}
	fmt.Printf("Prefetched sources for %d manifests\n", len(digests))
	return nil
}
