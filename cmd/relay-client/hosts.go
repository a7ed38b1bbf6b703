package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/sessionrelay/core/internal/hoststore"
)

// validURL reports whether raw is a ws:// or wss:// URL, so `hosts add`
// rejects a malformed scheme at save time instead of at first connect.
func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	return u.Scheme == "ws" || u.Scheme == "wss"
}

func newHostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Manage saved relay server profiles",
	}

	cmd.AddCommand(newHostsListCmd())
	cmd.AddCommand(newHostsAddCmd())
	cmd.AddCommand(newHostsRemoveCmd())

	return cmd
}

func newHostsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved hosts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			hosts := cc.Hosts.List()
			if len(hosts) == 0 {
				cc.Statusf("no saved hosts\n")
				return nil
			}

			rows := make([][]string, 0, len(hosts))
			for _, h := range hosts {
				rows = append(rows, []string{h.Name, h.URL, h.Identity, formatTime(h.LastUsed)})
			}

			printTable(cmd.OutOrStdout(), []string{"NAME", "URL", "IDENTITY", "LAST USED"}, rows)

			return nil
		},
	}
}

func newHostsAddCmd() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Save a relay server profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if !validURL(args[1]) {
				return fmt.Errorf("hosts add: url must start with ws:// or wss://, got %q", args[1])
			}

			h := hoststore.Host{
				Name:     args[0],
				URL:      args[1],
				Identity: identity,
				AddedAt:  time.Now(),
			}

			if err := cc.Hosts.Add(h); err != nil {
				return fmt.Errorf("hosts add: %w", err)
			}

			cc.Statusf("saved host %q (%s)\n", h.Name, h.URL)

			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "SRP identity to authenticate as")

	return cmd
}

func newHostsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a saved host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := cc.Hosts.Remove(args[0]); err != nil {
				return fmt.Errorf("hosts remove: %w", err)
			}

			cc.Statusf("removed host %q\n", args[0])

			return nil
		},
	}
}
