package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
)

type listOptions struct {
	missing bool
	quiet   bool
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var lopts listOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored manifests and their tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), opts, lopts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&lopts.missing, "missing", false, "List only manifests without published sources")
	flags.BoolVarP(&lopts.quiet, "quiet", "q", false, "Only print digests")
	return cmd
}

func runList(ctx context.Context, opts *rootOptions, lopts listOptions) error {
	db, err := openDatabase(opts)
	if err != nil {
		return err
	}

	var digests []digest.Digest
	if lopts.missing {
		sync, err := db.synchronizer(ctx)
		if err != nil {
			return err
		}
		digests, err = sync.Missing(ctx)
		if err != nil {
			return err
		}
	} else {
		digests, err = db.store.List()
		if err != nil {
			return err
		}
	}

	if lopts.quiet {
		for _, dgst := range digests {
			fmt.Println(dgst)
		}
		return nil
	}

	tags, err := db.tags.Map()
	if err != nil {
		return err
	}
	byTarget := make(map[digest.Digest][]string, len(tags))
	for tag, dgst := range tags {
		byTarget[dgst] = append(byTarget[dgst], tag)
	}

	w := tabwriter.NewWriter(os.Stdout, 10, 1, 3, ' ', 0)
	fmt.Fprintln(w, "DIGEST\tSIZE\tTAGS")
	for _, dgst := range digests {
		size := "-"
		if info, err := os.Stat(db.store.Path(dgst)); err == nil {
			size = units.HumanSize(float64(info.Size()))
		}
		names := byTarget[dgst]
		sort.Strings(names)
		fmt.Fprintf(w, "%s\t%s\t%s\n", shortDigest(dgst), size, strings.Join(names, ", "))
	}
	return w.Flush()
}

func shortDigest(dgst digest.Digest) string {
	hex := dgst.Encoded()
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return hex
}
