package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kotae/sdk/go/kotae"
)

// cli holds the state shared by every subcommand.
type cli struct {
	out        io.Writer
	baseURL    string
	reviewerID string
	apiKey     string
	timeout    time.Duration
	asJSON     bool

	client *kotae.Client
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:   "kotaectl",
		Short: "Review and control kotae ticket-triage runs",
		Long: `kotaectl lists runs held for review, shows a run's ticket and draft, and
records approve, edit or reject decisions under your reviewer identity.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "health" {
				// health is unauthenticated; any reviewer ID satisfies the client.
				if c.reviewerID == "" {
					c.reviewerID = "anonymous"
				}
				if c.apiKey == "" {
					c.apiKey = "-"
				}
			}
			client, err := kotae.NewClient(kotae.Config{
				BaseURL:    c.baseURL,
				ReviewerID: c.reviewerID,
				APIKey:     c.apiKey,
				Timeout:    c.timeout,
			})
			if err != nil {
				return err
			}
			c.client = client
			return nil
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.baseURL, "url", envOr("KOTAE_URL", "http://localhost:8080"), "kotae server URL")
	flags.StringVar(&c.reviewerID, "reviewer", os.Getenv("KOTAE_REVIEWER_ID"), "reviewer ID")
	flags.StringVar(&c.apiKey, "api-key", os.Getenv("KOTAE_API_KEY"), "reviewer API key")
	flags.DurationVar(&c.timeout, "timeout", 30*time.Second, "per-request timeout")
	flags.BoolVar(&c.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		c.listCmd(),
		c.pendingCmd(),
		c.showCmd(),
		c.eventsCmd(),
		c.approveCmd(),
		c.editCmd(),
		c.rejectCmd(),
		c.cancelCmd(),
		c.rerunCmd(),
		c.healthCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}
