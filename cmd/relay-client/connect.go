package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/sessionrelay/core/internal/config"
	"github.com/sessionrelay/core/internal/connmgr"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/transport"
	"github.com/sessionrelay/core/pkg/wsconn"
)

func newConnectCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "connect [host]",
		Short: "Connect to a saved relay host and hold the connection open",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args, password)
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "SRP password (overrides RELAY_CLIENT_PASSWORD)")

	return cmd
}

func runConnect(cmd *cobra.Command, args []string, password string) error {
	cc := mustCLIContext(cmd.Context())

	name := resolveHostName(cmd, cc.Cfg)
	if len(args) == 1 {
		name = args[0]
	}

	if name == "" {
		return fmt.Errorf("connect: no host given and no default_host configured")
	}

	host, ok := cc.Hosts.Get(name)
	if !ok {
		return fmt.Errorf("connect: no saved host named %q (add one with 'relay-client hosts add')", name)
	}

	if password == "" {
		password = config.ReadClientEnvOverrides().Password
	}

	if password == "" {
		return fmt.Errorf("connect: %s must be set, or pass --password", config.EnvClientPassword)
	}

	dialer := func(ctx context.Context) (transport.Socket, error) {
		return wsconn.Dial(ctx, host.URL)
	}

	creds := transport.Credentials{Identity: host.Identity, Password: password}

	onSession := func(s transport.Session) {
		if err := cc.Hosts.UpdateSession(host.Name, s.ID, time.Now()); err != nil {
			cc.Logger.Warn("saving resumed session id failed", slog.String("error", err.Error()))
		}
	}

	t := transport.New(cc.Logger, dialer, srp.Group2048, creds, onSession)

	if host.SessionID != "" {
		t.Resume(transport.Session{ID: host.SessionID})
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	cc.Statusf("connecting to %s as %q...\n", host.URL, host.Identity)

	if err := t.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	defer t.Close()

	cc.Statusf("%s\n", colorize(colorGreen, "connected"))

	reportStateChanges(ctx, t, cc)

	<-ctx.Done()

	cc.Statusf("disconnecting\n")

	return nil
}

// reportStateChanges polls the connection manager's state and prints a
// line whenever it changes, since Transport only logs transitions
// internally (spec §4.H "Events out: onStateChange(next, prev)").
func reportStateChanges(ctx context.Context, t *transport.Transport, cc *CLIContext) {
	go func() {
		last := t.State()

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next := t.State()
				if next == last {
					continue
				}

				cc.Statusf("%s\n", stateLine(next))
				last = next
			}
		}
	}()
}

func stateLine(s connmgr.State) string {
	switch s {
	case connmgr.StateConnected:
		return colorize(colorGreen, "connected")
	case connmgr.StateReconnecting:
		return colorize(colorYellow, "reconnecting...")
	default:
		return colorize(colorRed, "disconnected")
	}
}

