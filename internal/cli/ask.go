package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCmd(opts *options) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Stream the answer to one query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			id, err := ask(cmd.Context(), opts.client(), cmd.OutOrStdout(), sessionID, query)
			if id != "" && sessionID == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("resume with --session "+id))
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue an existing session")
	return cmd
}

// ask streams one query to w and returns the session id the server used.
func ask(ctx context.Context, c *Client, w io.Writer, sessionID, query string) (string, error) {
	p := &eventPrinter{w: w}
	id, last, err := c.Query(ctx, sessionID, query, p.print)
	if err != nil {
		p.breakLine()
		return id, err
	}
	if last.Failed() {
		return id, fmt.Errorf("query failed: %s", last.Error)
	}
	return id, nil
}

const chatHelp = `Commands:
  <text>     ask a question in the current session
  stats      show this session's usage
  cache      show server cache statistics
  sessions   list sessions on the server
  new        start a fresh session
  help       show this help
  quit       leave`

func newChatCmd(opts *options) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive research session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch := &chat{
				client:    opts.client(),
				in:        cmd.InOrStdin(),
				out:       cmd.OutOrStdout(),
				sessionID: sessionID,
			}
			return ch.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume an existing session")
	return cmd
}

type chat struct {
	client    *Client
	in        io.Reader
	out       io.Writer
	sessionID string
}

func (c *chat) run(ctx context.Context) error {
	fmt.Fprintln(c.out, headerStyle.Render("Buddy Fox interactive chat"))
	fmt.Fprintln(c.out, dimStyle.Render(chatHelp))
	if c.sessionID != "" {
		fmt.Fprintln(c.out, dimStyle.Render("resuming session "+c.sessionID))
	}

	sc := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, titleStyle.Render("you> "))
		if !sc.Scan() {
			fmt.Fprintln(c.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		quit, err := c.handle(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(c.out, errorStyle.Render("error: ")+err.Error())
		}
		if quit {
			return nil
		}
	}
}

func (c *chat) handle(ctx context.Context, line string) (bool, error) {
	switch strings.ToLower(line) {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintln(c.out, dimStyle.Render(chatHelp))
	case "new":
		c.sessionID = ""
		fmt.Fprintln(c.out, dimStyle.Render("started a new session"))
	case "stats":
		if c.sessionID == "" {
			fmt.Fprintln(c.out, dimStyle.Render("no questions asked yet"))
			return false, nil
		}
		sess, err := c.client.GetSession(ctx, c.sessionID)
		if err != nil {
			return false, err
		}
		printSession(c.out, sess)
	case "cache":
		s, err := c.client.Stats(ctx)
		if err != nil {
			return false, err
		}
		printStats(c.out, s)
	case "sessions":
		sessions, err := c.client.ListSessions(ctx)
		if err != nil {
			return false, err
		}
		printSessions(c.out, sessions)
	default:
		id, err := ask(ctx, c.client, c.out, c.sessionID, line)
		if id != "" {
			c.sessionID = id
		}
		return false, err
	}
	return false, nil
}
