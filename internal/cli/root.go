package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

const defaultServer = "http://localhost:8000"

type options struct {
	server  string
	timeout time.Duration
	format  string
}

func (o *options) client() *Client {
	return NewClient(o.server, o.timeout)
}

// NewRootCmd builds the buddyfox command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "buddyfox",
		Short: "Terminal client for the Buddy Fox research relay",
		Long: `Ask the Buddy Fox relay research questions and inspect its sessions.

Quick Start:
  buddyfox ask "what changed in Go 1.24?"   # Stream one answer
  buddyfox chat                             # Interactive session
  buddyfox sessions list --format yaml      # Inspect sessions`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return validFormat(opts.format)
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	server := os.Getenv("BUDDYFOX_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "Relay base URL (env BUDDYFOX_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Timeout for non-streaming requests")
	root.PersistentFlags().StringVarP(&opts.format, "format", "f", FormatTable, "Output format: table, json or yaml")

	root.AddCommand(
		newAskCmd(opts),
		newChatCmd(opts),
		newSessionsCmd(opts),
		newHealthCmd(opts),
		newStatsCmd(opts),
	)
	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		stop()
		os.Exit(1)
	}
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if opts.format != FormatTable {
				return writeStructured(cmd.OutOrStdout(), opts.format, h)
			}
			printHealth(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.format != FormatTable {
				return writeStructured(cmd.OutOrStdout(), opts.format, s)
			}
			printStats(cmd.OutOrStdout(), s)
			return nil
		},
	}
}
