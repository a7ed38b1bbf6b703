package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sessionrelay/core/internal/config"
)

// shutdownContext returns a context that cancels on the first
// SIGINT/SIGTERM and force-exits on the second, giving in-flight
// connections one chance to drain before a hard stop.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit", slog.String("signal", sig.String()))
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// watchSIGHUP re-reads the config file into holder on every SIGHUP.
// Components built once at startup from the old config (listener address,
// TLS files, origin policy) keep using it until restart; only holder
// readers see the change.
func watchSIGHUP(ctx context.Context, holder *config.Holder[config.ServerConfig], logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				cfg, err := config.LoadServerOrDefault(holder.Path(), logger)
				if err != nil {
					logger.Warn("SIGHUP reload failed, keeping previous config", slog.String("error", err.Error()))
					continue
				}

				holder.Update(cfg)
				logger.Info("reloaded config on SIGHUP", slog.String("path", holder.Path()))
			}
		}
	}()
}
