package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sessionrelay/core/internal/buildinfo"
	"github.com/sessionrelay/core/internal/config"
	"github.com/sessionrelay/core/internal/hoststore"
)

var (
	flagConfigPath string
	flagHost       string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIContext bundles resolved config, logger, and the saved-hosts store,
// stored in the command's context by PersistentPreRunE.
type CLIContext struct {
	Cfg    *config.Holder[config.ClientConfig]
	Logger *slog.Logger
	Hosts  *hoststore.Store
	Quiet  bool
}

// Statusf prints a progress message to stderr unless --quiet was given.
func (cc *CLIContext) Statusf(format string, args ...any) {
	if !cc.Quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext missing from command context")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relay-client",
		Short:         "Reference client for the session-relay transport",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagHost, "host", "", "saved host name (overrides RELAY_CLIENT_HOST)")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newConnectCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newHostsCmd())

	return cmd
}

func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	env := config.ReadClientEnvOverrides()
	path := config.ResolveClientConfigPath(env, flagConfigPath, logger)

	cfg, err := config.LoadClientOrDefault(path, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	finalLogger := buildLogger(cfg)

	dataDir := config.DefaultDataDir()

	hosts, err := hoststore.Open(dataDir, finalLogger)
	if err != nil {
		return fmt.Errorf("opening saved hosts: %w", err)
	}

	cc := &CLIContext{Cfg: config.NewHolder(cfg, path), Logger: finalLogger, Hosts: hosts, Quiet: flagQuiet}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

func buildLogger(cfg *config.ClientConfig) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// resolveHostName applies the three-layer priority: --host flag >
// RELAY_CLIENT_HOST env var > saved config.DefaultHost.
func resolveHostName(cmd *cobra.Command, cfg *config.Holder[config.ClientConfig]) string {
	if flagHost != "" {
		return flagHost
	}

	if env := config.ReadClientEnvOverrides().Host; env != "" {
		return env
	}

	return cfg.Config().DefaultHost
}
