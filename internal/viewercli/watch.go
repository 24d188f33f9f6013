package viewercli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agent-visualizer/backend/internal/apiclient"
	"github.com/agent-visualizer/backend/internal/client"
	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/logger"
	"github.com/agent-visualizer/backend/internal/store"
)

type watchOptions struct {
	offline string
	record  string
	noInput bool
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Show a session transcript and follow live events",
		Long: `watch loads the session transcript, then connects to the relay and prints
events as they arrive. Each line typed on stdin is sent to the agent.

Commands while watching:
  /status   show connection status
  /quit     stop watching`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.offline, "offline", "", "JSON-lines transcript to replay when the API is unreachable")
	cmd.Flags().StringVar(&opts.record, "record", "", "Append live events to this JSON-lines file")
	cmd.Flags().BoolVar(&opts.noInput, "no-input", false, "Do not read user turns from stdin")
	return cmd
}

// printer prints live events for one session and optionally mirrors them to
// a local transcript.
type printer struct {
	sessionID string
	mu        sync.Mutex
	w         io.Writer
	rec       *logger.TranscriptLogger
}

func (p *printer) HandleEvent(env *event.Envelope) {
	if env.SessionID != "" && env.SessionID != p.sessionID {
		return
	}
	if p.rec != nil && !env.Type.IsControl() {
		if err := p.rec.WriteEvent(env); err != nil {
			log.Printf("[viewer] record failed: %v", err)
		}
	}
	if line, ok := formatEvent(env); ok {
		p.println(line)
	}
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

func runWatch(ctx context.Context, cmd *cobra.Command, sessionID string, opts watchOptions) error {
	api, err := mustClient()
	if err != nil {
		return err
	}

	events, source, err := loadHistory(ctx, api, sessionID, opts.offline)
	if err != nil {
		return err
	}
	st := store.New(sessionID)
	st.Replace(events)

	var rec *logger.TranscriptLogger
	if opts.record != "" {
		rec, err = logger.OpenTranscriptLogger(opts.record, sessionID)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	p := &printer{sessionID: sessionID, w: cmd.OutOrStdout(), rec: rec}
	p.println(fmt.Sprintf("Session %s: %d events from %s", sessionID, st.Len(), source))
	for _, item := range st.Timeline() {
		p.println(formatItem(item))
	}

	transport := client.New(appConfig.Client.RelayURL, sessionID,
		client.WithBaseDelay(appConfig.Client.ReconnectBaseDelay),
		client.WithMaxAttempts(appConfig.Client.ReconnectMaxAttempts),
	)
	transport.On(st)
	transport.On(p)
	defer transport.Close()

	if err := transport.Connect(ctx); err != nil {
		if errors.Is(err, client.ErrInvalidSessionID) {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Relay unavailable (%v); retrying in the background\n", err)
	}
	p.println("Status: " + transport.Status())

	var lines <-chan string
	if !opts.noInput {
		lines = readLines(ctx, cmd.InOrStdin())
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep following until interrupted.
				lines = nil
				continue
			}
			switch line = strings.TrimSpace(line); line {
			case "":
			case "/quit":
				return nil
			case "/status":
				state := "idle"
				if st.Thinking() {
					state = "thinking"
				}
				p.println(fmt.Sprintf("Status: %s, agent %s, %d events", transport.Status(), state, st.Len()))
			default:
				if err := transport.SendInput(line); err != nil {
					if errors.Is(err, client.ErrNotConnected) {
						p.println("Not connected; message dropped (" + transport.Status() + ")")
						continue
					}
					p.println("Send failed: " + err.Error())
				}
			}
		}
	}
}

// loadHistory fetches the transcript from the API. When that fails and an
// offline file is given, the file is replayed instead.
func loadHistory(ctx context.Context, api *apiclient.Client, sessionID, offline string) ([]*event.Envelope, string, error) {
	detail, err := api.GetSession(ctx, sessionID)
	if err == nil {
		return detail.Transcript, "api", nil
	}
	if offline == "" {
		return nil, "", err
	}

	log.Printf("[viewer] API unavailable (%v), replaying %s", err, offline)
	header, events, lerr := logger.LoadTranscript(offline)
	if lerr != nil {
		return nil, "", fmt.Errorf("load offline transcript: %w", lerr)
	}
	if header.SessionID != "" && header.SessionID != sessionID {
		return nil, "", fmt.Errorf("offline transcript %s belongs to session %s", offline, header.SessionID)
	}
	return events, offline, nil
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
