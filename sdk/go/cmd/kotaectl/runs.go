package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kotae/sdk/go/kotae"
)

func (c *cli) listCmd() *cobra.Command {
	var opts kotae.ListRunsOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := c.client.ListRuns(cmd.Context(), &opts)
			if err != nil {
				return err
			}
			return c.printPage(page)
		},
	}
	cmd.Flags().StringVar(&opts.State, "state", "", "only runs in this state")
	cmd.Flags().StringVar(&opts.TicketID, "ticket", "", "only runs for this ticket")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "page offset")
	return cmd
}

func (c *cli) pendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List runs waiting for review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := c.client.PendingReviews(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return c.printPage(page)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run's ticket, classification and draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			run, err := c.client.GetRun(cmd.Context(), id)
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(run)
			}
			c.printRun(run)
			return nil
		},
	}
}

func (c *cli) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events RUN_ID",
		Short: "Show a run's state transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			evs, err := c.client.RunEvents(cmd.Context(), id)
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(evs)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TIME\tFROM\tTO\tREASON")
			for _, ev := range evs {
				from := ev.From
				if from == "" {
					from = "-"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					ev.OccurredAt.Format("2006-01-02 15:04:05"), from, ev.To, ev.Reason)
			}
			return tw.Flush()
		},
	}
}

func (c *cli) approveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "approve RUN_ID",
		Short: "Send the stored draft as written",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			run, err := c.client.Approve(cmd.Context(), id, note)
			if err != nil {
				return err
			}
			return c.printOutcome(run)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "internal note")
	return cmd
}

func (c *cli) editCmd() *cobra.Command {
	var note, body, file string
	cmd := &cobra.Command{
		Use:   "edit RUN_ID",
		Short: "Send a replacement reply instead of the draft",
		Long: `Send a replacement reply. The body comes from --body, or from --file
("-" reads standard input).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			if file != "" {
				body, err = readBody(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
			}
			if strings.TrimSpace(body) == "" {
				return fmt.Errorf("edit needs a reply: pass --body or --file")
			}
			run, err := c.client.Edit(cmd.Context(), id, body, note)
			if err != nil {
				return err
			}
			return c.printOutcome(run)
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "replacement reply")
	cmd.Flags().StringVar(&file, "file", "", "read the reply from a file, or - for stdin")
	cmd.Flags().StringVar(&note, "note", "", "internal note")
	cmd.MarkFlagsMutuallyExclusive("body", "file")
	return cmd
}

func (c *cli) rejectCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "reject RUN_ID",
		Short: "Close the run without replying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			run, err := c.client.Reject(cmd.Context(), id, note)
			if err != nil {
				return err
			}
			return c.printOutcome(run)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "internal note")
	return cmd
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			run, err := c.client.Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(run)
			}
			if run.Terminal() {
				c.printf("run %s cancelled\n", run.ID)
			} else {
				c.printf("run %s will stop at its next stage (state %s)\n", run.ID, run.State)
			}
			return nil
		},
	}
}

func (c *cli) rerunCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "rerun TICKET_ID",
		Short: "Start a fresh run from the ticket's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parentID *uuid.UUID
			if parent != "" {
				id, err := parseRunID(parent)
				if err != nil {
					return err
				}
				parentID = &id
			}
			run, err := c.client.Rerun(cmd.Context(), args[0], parentID)
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(run)
			}
			c.printf("run %s queued for ticket %s\n", run.ID, run.TicketID)
			return nil
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "run this one replaces")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := c.client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(h)
			}
			c.printf("%s %s (%s) store=%s queue=%d buffer=%s\n",
				h.Service, h.Status, h.Version, h.Store, h.QueueDepth, h.BufferStatus)
			return nil
		},
	}
}

func (c *cli) printPage(page *kotae.RunPage) error {
	if c.asJSON {
		return c.printJSON(page)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tTICKET\tSTATE\tREASON\tSUBJECT")
	for _, r := range page.Runs {
		reason := "-"
		if r.Reason != nil {
			reason = *r.Reason
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.TicketID, r.State, reason, r.Ticket.Subject)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.HasMore {
		c.printf("showing %d of %d; use --offset %d for more\n", len(page.Runs), page.Total, page.Offset+len(page.Runs))
	}
	return nil
}

func (c *cli) printRun(r *kotae.Run) {
	c.printf("Run:     %s\n", r.ID)
	c.printf("Ticket:  %s  %s\n", r.TicketID, r.Ticket.Subject)
	c.printf("From:    %s <%s>\n", r.Ticket.RequesterName, r.Ticket.RequesterEmail)
	c.printf("State:   %s\n", r.State)
	if r.Reason != nil {
		c.printf("Reason:  %s\n", *r.Reason)
	}
	if r.Message != nil {
		c.printf("Message: %s\n", *r.Message)
	}
	if cl := r.Classification; cl != nil {
		c.printf("Intent:  %s / %s  %s\n", cl.Intent, cl.Urgency, cl.Topic)
	}
	if ctx := r.Context; ctx != nil && len(ctx.Degraded) > 0 {
		c.printf("Degraded retrieval: %s\n", strings.Join(ctx.Degraded, ", "))
	}
	c.printf("\n%s\n", r.Ticket.Body)
	if d := r.Draft; d != nil {
		c.printf("\n--- draft (confidence %.2f) ---\n%s\n", d.Confidence, d.Body)
	}
	if rv := r.Review; rv != nil {
		c.printf("\nReviewed by %s: %s\n", rv.ReviewerID, rv.Action)
	}
}

func (c *cli) printOutcome(r *kotae.Run) error {
	if c.asJSON {
		return c.printJSON(r)
	}
	c.printf("run %s is now %s\n", r.ID, r.State)
	return nil
}

func parseRunID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run ID %q", s)
	}
	return id, nil
}

func readBody(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path) //nolint:gosec // path is the operator's own argument
	return string(b), err
}
