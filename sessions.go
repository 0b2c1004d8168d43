package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentjido/jido-shell-sub001/internal/database"
	"github.com/agentjido/jido-shell-sub001/internal/history"
)

func newSessionsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := database.Init(); err != nil {
				return fmt.Errorf("database init: %w", err)
			}
			defer database.Close()
			return listStoredSessions(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, stopped, crashed)")
	cmd.AddCommand(newSessionCommandsCmd())
	return cmd
}

func newSessionCommandsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "commands <session-id>",
		Short: "Show the recorded commands of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.Init(); err != nil {
				return fmt.Errorf("database init: %w", err)
			}
			defer database.Close()
			return listSessionCommands(cmd.OutOrStdout(), args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum commands to show")
	return cmd
}

func listStoredSessions(out io.Writer, status string) error {
	recs, err := history.ListSessions(status)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKSPACE\tSTATUS\tBACKEND\tCWD\tUPDATED")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.WorkspaceID, rec.Status, rec.Backend.Kind, rec.Cwd, rec.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func listSessionCommands(out io.Writer, sessionID string, limit int) error {
	cmds, err := history.Commands(sessionID, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tDURATION\tLINE")
	for _, c := range cmds {
		status := c.Status
		if c.ErrorKind != "" {
			status += " (" + c.ErrorKind + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n", c.StartedAt.Format(time.RFC3339), status, c.DurationMs, c.Line)
	}
	return tw.Flush()
}
