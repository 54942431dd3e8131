package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List, show or delete query sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := opts.client().ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if opts.format != FormatTable {
				return writeStructured(cmd.OutOrStdout(), opts.format, sessions)
			}
			printSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.client().GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.format != FormatTable {
				return writeStructured(cmd.OutOrStdout(), opts.format, sess)
			}
			printSession(cmd.OutOrStdout(), sess)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.client().DeleteSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.format != FormatTable {
				return writeStructured(cmd.OutOrStdout(), opts.format, map[string]string{"message": msg})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(msg))
			return err
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
