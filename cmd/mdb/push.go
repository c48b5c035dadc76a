package main

import (
	"context"
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
)

func newPushCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push [REF...]",
		Short: "Publish staged sources to the remote cache",
		Long: `Package the locally staged sources of each manifest into a
deterministic archive and publish it under the manifest's checksum tag.
Without arguments every staged manifest is pushed; explicit references
must have been prefetched first.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd.Context(), opts, args)
		},
	}
}

func runPush(ctx context.Context, opts *rootOptions, refs []string) error {
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

	pushed := 0
	for _, dgst := range digests {
		if len(refs) == 0 && !sync.Staged(dgst) {
			log.G(ctx).WithField("digest", dgst).Debug("nothing staged, skipping")
			continue
		}
		if err := sync.Push(ctx, dgst); err != nil {
			return err
		}
		pushed++
	}
	fmt.Printf("Pushed sources for %d manifests\n", pushed)
	return nil
}
