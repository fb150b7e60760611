package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/codegate/internal/config"
	"github.com/mattjoyce/codegate/internal/tui"
)

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	var apiURL, token string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live terminal view of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFile); err != nil {
				return err
			}
			if token == "" {
				token = os.Getenv("CODEGATE_AUTH_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("a bearer token with read scope is required (--token or CODEGATE_AUTH_TOKEN)")
			}
			p := tea.NewProgram(tui.NewMonitor(apiURL, token))
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&apiURL, "url", "http://localhost:3000", "gateway base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default $CODEGATE_AUTH_TOKEN)")
	return cmd
}
