package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CodeJonesW/diffprism/internal/daemon"
	"github.com/CodeJonesW/diffprism/internal/git"
)

func sendCmd() *cobra.Command {
	var (
		watch     bool
		title     string
		reasoning string
	)

	cmd := &cobra.Command{
		Use:   "send [ref]",
		Short: "Send a review session to the standing daemon",
		Long:  "Creates (or reuses) a session on the running daemon and prints its id. With --watch the daemon keeps the diff fresh while viewers are connected.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := resolveRepo()
			if err != nil {
				return fail("%v", err)
			}

			client, err := daemon.NewClientFromDiscovery()
			if err != nil {
				return fail("%v (start it with: diffprism daemon start)", err)
			}

			req := daemon.CreateReviewRequest{ProjectPath: repo}
			ref := git.WorkingRef
			if len(args) == 1 {
				ref = args[0]
			}
			if watch {
				// The daemon computes and re-polls the diff itself.
				req.DiffRef = ref
			} else {
				res, err := git.Diff(repo, ref)
				if err != nil {
					return fail("compute diff: %v", err)
				}
				req.DiffSet = res.DiffSet
				req.RawDiff = res.Raw
			}
			if title != "" || reasoning != "" {
				req.Context = &daemon.SessionContext{Title: title, Reasoning: reasoning}
			}

			created, err := client.CreateReview(req)
			if err != nil {
				return fail("%v", err)
			}

			if created.Reused {
				fmt.Printf("Reused session %s (status %s)\n", created.SessionID, created.Status)
			} else {
				fmt.Printf("Created session %s\n", created.SessionID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "live-watch the ref: the daemon refreshes the diff while viewers are connected")
	cmd.Flags().StringVar(&title, "title", "", "review title shown in the UI")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "why this change is being made")
	return cmd
}

func resultCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "result <session-id>",
		Short: "Fetch (or wait for) a session's review result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemon.NewClientFromDiscovery()
			if err != nil {
				return fail("%v", err)
			}

			if wait {
				result, err := client.WaitForResult(args[0])
				if err != nil {
					return fail("%v", err)
				}
				return printJSON(result)
			}

			res, err := client.GetResult(args[0])
			if err != nil {
				return fail("%v", err)
			}
			return printJSON(res)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "block until the review is submitted")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the daemon's review sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemon.NewClientFromDiscovery()
			if err != nil {
				return fail("%v", err)
			}
			sessions, err := client.ListSessions()
			if err != nil {
				return fail("%v", err)
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions")
				return nil
			}
			for _, s := range sessions {
				badge := ""
				if s.HasNewChanges {
					badge = " *"
				}
				fmt.Printf("%-16s %-10s %3d file(s) +%d/-%d  %s%s\n",
					s.ID, s.Status, s.FilesChanged, s.Additions, s.Deletions, s.ProjectPath, badge)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemon.NewClientFromDiscovery()
			if err != nil {
				return fail("daemon not running")
			}
			status, err := client.Status()
			if err != nil {
				return fail("%v", err)
			}
			fmt.Printf("Running (pid %d, version %s)\n", status.PID, status.Version)
			fmt.Printf("Sessions: %d\n", status.Sessions)
			fmt.Printf("Uptime:   %s\n", status.Uptime)
			return nil
		},
	}
}

func annotateCmd() *cobra.Command {
	var (
		line       int
		category   string
		confidence float64
		agent      string
	)

	cmd := &cobra.Command{
		Use:   "annotate <session-id> <file> <body>",
		Short: "Attach an agent annotation to a session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemon.NewClientFromDiscovery()
			if err != nil {
				return fail("%v", err)
			}

			req := daemon.AnnotationRequest{
				File:     args[1],
				Line:     line,
				Body:     args[2],
				Category: category,
				Agent:    agent,
			}
			if cmd.Flags().Changed("confidence") {
				req.Confidence = &confidence
			}

			ann, err := client.Annotate(args[0], req)
			if err != nil {
				return fail("%v", err)
			}
			fmt.Printf("Added annotation %s\n", ann.ID)
			return nil
		},
	}

	cmd.Flags().IntVar(&line, "line", 0, "line number the annotation refers to")
	cmd.Flags().StringVar(&category, "category", "", "annotation category (defaults to \"other\")")
	cmd.Flags().Float64Var(&confidence, "confidence", 1, "confidence from 0 to 1")
	cmd.Flags().StringVar(&agent, "agent", "", "name of the agent adding the annotation")
	return cmd
}
