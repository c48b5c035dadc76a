package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/osbuild/mdb/engine"
	"github.com/osbuild/mdb/vcs"
	"github.com/osbuild/mdb/verify"
)

type verifyOptions struct {
	structural bool
	format     bool
	drift      bool
	exclude    []string
	depsolver  string
	engineBin  string
	libDir     string
}

// checks reports which checks run: the selected ones, or all when none
// are selected.
func (o *verifyOptions) checks() (structural, format, drift bool) {
	if !o.structural && !o.format && !o.drift {
		return true, true, true
	}
	return o.structural, o.format, o.drift
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var vopts verifyOptions

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check database integrity",
		Long: `Check the database for violations: structural (namespace layout and
reference targets), format (every stored manifest passes engine
inspection) and drift (regenerating from the committed source tree
reproduces the committed snapshot). All violations are collected and
listed; any violation makes the command exit with status 2.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), opts, vopts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&vopts.structural, "structural", false, "Check namespace layout and references")
	flags.BoolVar(&vopts.format, "format", false, "Check stored manifests against the engine")
	flags.BoolVar(&vopts.drift, "drift", false, "Check regeneration against the committed snapshot")
	flags.StringArrayVar(&vopts.exclude, "exclude", defaultExcludes(), "Source patterns the drift check skips")
	flags.StringVar(&vopts.depsolver, "depsolver", "", "Depsolve helper binary")
	flags.StringVar(&vopts.engineBin, "engine", "", "Build engine binary")
	flags.StringVar(&vopts.libDir, "libdir", "", "Build engine library directory")
	return cmd
}

func runVerify(ctx context.Context, opts *rootOptions, vopts verifyOptions) error {
	db, err := openDatabase(opts)
	if err != nil {
		return err
	}

	v := &verify.Verifier{
		Root:        opts.root,
		Store:       db.store,
		Tags:        db.tags,
		Engine:      &engine.ExecClient{Binary: vopts.engineBin, LibDir: vopts.libDir},
		Concurrency: opts.concurrency,
	}

	report := &verify.Report{}
	structural, format, drift := vopts.checks()
	if structural {
		violations, err := v.Structural()
		if err != nil {
			return err
		}
		report.Add(violations...)
	}
	if format {
		violations, err := v.Format(ctx)
		if err != nil {
			return err
		}
		report.Add(violations...)
	}
	if drift {
		expander, err := db.expander(vopts.depsolver)
		if err != nil {
			return err
		}
		violations, err := v.Drift(ctx, verify.DriftOptions{
			Source:   opts.source,
			Exclude:  vopts.exclude,
			Expander: expander,
			VCS:      &vcs.GitClient{Dir: opts.source},
		})
		if err != nil {
			return err
		}
		report.Add(violations...)
	}

	for _, violation := range report.Violations {
		fmt.Println(violation)
	}
	if !report.OK() {
		return statusError{
			status: fmt.Sprintf("verification failed: %d violations", len(report.Violations)),
			code:   2,
		}
	}
	fmt.Println("verification passed")
	return nil
}
