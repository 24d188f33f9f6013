package viewercli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agent-visualizer/backend/internal/logger"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := mustClient()
			if err != nil {
				return err
			}
			sessions, err := client.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if strings.EqualFold(outputFormat, "json") {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
				return nil
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "ID\tNAME\tSTATUS\tEVENTS\tCREATED\n")
			for _, s := range sessions {
				status := "stopped"
				if s.IsRunning {
					status = "running"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Name, status, s.MessageCount, relativeTime(s.CreatedAt))
			}
			flushTable(tw)
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := mustClient()
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			session, err := client.CreateSession(cmd.Context(), name)
			if err != nil {
				return err
			}
			if strings.EqualFold(outputFormat, "json") {
				return printJSON(cmd.OutOrStdout(), session)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created session %s (%s)\n", session.ID, session.Name)
			return nil
		},
	}
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <session-id> <message>",
		Short: "Send one user turn to a session",
		Long:  "Sends a message through the REST API. The agent's reply is delivered over the relay; use 'viewer watch' to see it.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := mustClient()
			if err != nil {
				return err
			}
			message := strings.Join(args[1:], " ")
			if err := client.Chat(cmd.Context(), args[0], message); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Message accepted.")
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Download a session transcript as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := mustClient()
			if err != nil {
				return err
			}
			events, err := client.ExportTranscript(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if outPath == "" || outPath == "-" {
				w := logger.NewTranscriptLoggerWithWriter(cmd.OutOrStdout(), args[0])
				if err := w.WriteHeader(); err != nil {
					return err
				}
				return w.WriteEvents(events)
			}

			// A fresh file, so the header is written exactly once.
			if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			w, err := logger.OpenTranscriptLogger(outPath, args[0])
			if err != nil {
				return err
			}
			defer w.Close()
			if err := w.WriteEvents(events); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d events to %s\n", len(events), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "file", "f", "", "Output file (default stdout)")
	return cmd
}
