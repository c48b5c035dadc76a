package main

import (
	"context"
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/osbuild/mdb/errdefs"
)

func newPullCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull [REF...]",
		Short: "Fetch published sources from the remote cache",
		Long: `Fetch the published source archive of each manifest and unpack it
into the local staging area. Without arguments every stored manifest
with a published entry is pulled; explicit references fail when nothing
is published for them.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd.Context(), opts, args)
		},
	}
}

func runPull(ctx context.Context, opts *rootOptions, refs []string) error {
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

	pulled := 0
	for _, dgst := range digests {
		err := sync.Pull(ctx, dgst)
		if len(refs) == 0 && errdefs.IsNotFound(err) {
			log.G(ctx).WithField("digest", dgst).Debug("no published sources, skipping")
			continue
		}
		if err != nil {
			return err
		}
		pulled++
	}
	fmt.Printf("Pulled sources for %d manifests\n", pulled)
	return nil
}
