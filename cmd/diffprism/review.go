package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeJonesW/diffprism/internal/analyze"
	"github.com/CodeJonesW/diffprism/internal/daemon"
	"github.com/CodeJonesW/diffprism/internal/git"
	"github.com/CodeJonesW/diffprism/internal/review"
)

func reviewCmd() *cobra.Command {
	var (
		noBrowser bool
		timeout   time.Duration
		title     string
		reasoning string
	)

	cmd := &cobra.Command{
		Use:   "review [ref]",
		Short: "Review the working tree (or a diff against ref) in the browser",
		Long:  "Computes the diff, opens the review UI in the browser, and blocks until the review is submitted. Prints the result as JSON.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := resolveRepo()
			if err != nil {
				return fail("%v", err)
			}

			ref := git.WorkingRef
			if len(args) == 1 {
				ref = args[0]
			}

			res, err := git.Diff(repo, ref)
			if err != nil {
				return fail("compute diff: %v", err)
			}

			var sctx *daemon.SessionContext
			if title != "" || reasoning != "" {
				sctx = &daemon.SessionContext{Title: title, Reasoning: reasoning}
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			result, err := review.Start(ctx, review.Options{
				ProjectPath: repo,
				Ref:         ref,
				DiffSet:     res.DiffSet,
				RawDiff:     res.Raw,
				Briefing:    analyze.Analyze(res.DiffSet),
				Context:     sctx,
				OpenBrowser: !noBrowser,
				OnReady: func(uiURL, wsURL string) {
					if noBrowser {
						fmt.Fprintf(cmd.ErrOrStderr(), "Review at %s\n", uiURL)
					}
				},
			})
			if err != nil {
				return fail("%v", err)
			}
			return printJSON(result)
		},
	}

	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the review URL instead of opening a browser")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up waiting for a verdict after this long (0 = no timeout)")
	cmd.Flags().StringVar(&title, "title", "", "review title shown in the UI")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "why this change is being made")
	return cmd
}
