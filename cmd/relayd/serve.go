package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sessionrelay/core/internal/activitybus"
	"github.com/sessionrelay/core/internal/admission"
	"github.com/sessionrelay/core/internal/config"
	"github.com/sessionrelay/core/internal/connstate"
	"github.com/sessionrelay/core/internal/localstaging"
	"github.com/sessionrelay/core/internal/maintenance"
	"github.com/sessionrelay/core/internal/server"
	"github.com/sessionrelay/core/internal/srp"
	"github.com/sessionrelay/core/internal/store"
)

// relayPath is where the WebSocket upgrade is served.
const relayPath = "/relay"

// shutdownGrace bounds how long serve waits for http.Server to drain
// in-flight connections after the first shutdown signal.
const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var pidFilePath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, pidFilePath)
		},
	}

	cmd.Flags().StringVar(&pidFilePath, "pid-file", "", "write the server PID to this path and hold an exclusive lock on it")

	return cmd
}

func runServe(cmd *cobra.Command, pidFilePath string) error {
	cc := mustCLIContext(cmd.Context())
	cfg, logger := cc.Cfg.Config(), cc.Logger

	if pidFilePath != "" {
		cleanup, err := writePIDFile(pidFilePath)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		defer cleanup()
	}

	ctx := shutdownContext(cmd.Context(), logger)
	watchSIGHUP(ctx, cc.Cfg, logger)

	password := config.ReadServerEnvOverrides().Password
	if password == "" {
		return fmt.Errorf("serve: %s must be set", config.EnvServerPassword)
	}

	creds, err := admission.NewStaticCredentialStore(srp.Group2048, cfg.Auth.Identity, password)
	if err != nil {
		return fmt.Errorf("serve: provisioning credentials: %w", err)
	}

	dbPath := databasePath(cfg)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("serve: creating database directory: %w", err)
	}

	st, err := store.Open(ctx, dbPath, logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer st.Close()

	stagingDir := filepath.Join(filepath.Dir(dbPath), "uploads")

	staging, err := localstaging.New(stagingDir)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	bus := activitybus.New(cfg.Activity.WatchRoot, logger)

	idBuckets := connstate.NewIdentityBuckets()

	scheduler := maintenance.New(idBuckets, st, logger)
	scheduler.Start()
	defer scheduler.Stop()

	originPolicy := admission.NewOriginPolicy(cfg.Listen.AllowedOrigins)

	collaborators := server.Collaborators{
		APIBase:           "/api",
		App:               http.NotFoundHandler(),
		SessionSupervisor: nullSessionSupervisor{},
		ActivityBus:       bus,
		SessionWatch:      nullSessionWatch{},
		Staging:           staging,
		Credentials:       creds,
		Store:             st,
	}

	listener := server.NewListener(originPolicy, srp.Group2048, idBuckets, collaborators, logger)

	mux := http.NewServeMux()
	mux.HandleFunc(relayPath, listener.AttachToUpgrade)
	mux.HandleFunc("/healthz", handleHealthz)

	httpServer := &http.Server{
		Addr:    cfg.Listen.Address,
		Handler: mux,
	}

	if cfg.Listen.TLSCertFile != "" && cfg.Listen.TLSKeyFile != "" {
		return serveWithShutdown(ctx, httpServer, logger, func() error {
			return httpServer.ListenAndServeTLS(cfg.Listen.TLSCertFile, cfg.Listen.TLSKeyFile)
		})
	}

	return serveWithShutdown(ctx, httpServer, logger, httpServer.ListenAndServe)
}

func serveWithShutdown(ctx context.Context, httpServer *http.Server, logger *slog.Logger, run func() error) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- run()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}

		return nil
	case <-ctx.Done():
		logger.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("serve: shutdown: %w", err)
		}

		return nil
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
