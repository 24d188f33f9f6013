// Package viewercli implements the terminal viewer: it lists sessions over
// the REST API and follows a session's live events through the relay.
package viewercli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agent-visualizer/backend/internal/apiclient"
	"github.com/agent-visualizer/backend/internal/config"
)

var (
	cfgFile      string
	overrideWS   string
	overrideAPI  string
	outputFormat string

	appConfig *config.Config
)

// Execute runs the CLI.
func Execute() error {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// NewRootCommand builds the command tree. Each call returns a fresh tree so
// tests can run commands in isolation.
func NewRootCommand() *cobra.Command {
	appConfig = nil

	root := &cobra.Command{
		Use:   "viewer",
		Short: "Follow agent sessions from the terminal",
		Long: `viewer shows the transcript of an agent session and streams new events
from the relay as they happen. Lines typed while watching are sent to the agent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if overrideWS != "" {
				cfg.Client.RelayURL = strings.TrimRight(overrideWS, "/")
			}
			if overrideAPI != "" {
				cfg.Client.APIURL = strings.TrimRight(overrideAPI, "/")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			appConfig = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file (defaults to $CONFIG_FILE)")
	root.PersistentFlags().StringVar(&overrideWS, "relay-url", "", "Override the relay base URL (ws:// or wss://)")
	root.PersistentFlags().StringVar(&overrideAPI, "api-url", "", "Override the REST API base URL")
	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json")

	root.AddCommand(newSessionsCmd())
	root.AddCommand(newCreateCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newWatchCmd())
	return root
}

func mustClient() (*apiclient.Client, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return apiclient.New(appConfig.Client.APIURL, nil), nil
}
