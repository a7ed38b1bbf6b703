package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [host]",
		Short: "Show a saved host's last known connection state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			name := resolveHostName(cmd, cc.Cfg)
			if len(args) == 1 {
				name = args[0]
			}

			if name == "" {
				return fmt.Errorf("status: no host given and no default_host configured")
			}

			h, ok := cc.Hosts.Get(name)
			if !ok {
				return fmt.Errorf("status: no saved host named %q", name)
			}

			rows := [][]string{
				{"name", h.Name},
				{"url", h.URL},
				{"identity", h.Identity},
				{"added", formatTime(h.AddedAt)},
				{"last used", formatTime(h.LastUsed)},
				{"session", resumeStatus(h.SessionID)},
			}

			printTable(cmd.OutOrStdout(), []string{"FIELD", "VALUE"}, rows)

			return nil
		},
	}
}

func resumeStatus(sessionID string) string {
	if sessionID == "" {
		return colorize(colorYellow, "none (next connect does a fresh handshake)")
	}

	return colorize(colorGreen, "resumable")
}
