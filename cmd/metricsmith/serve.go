package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"metricsmith/internal/registry"
	"metricsmith/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP assistant server",
	Long: `Starts the assistant server. The POST /assistant endpoint resolves
natural-language requests; it is only exposed when debug mode is enabled.
GET /routines and GET /history expose the registry and the invocation log.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.cfg.Resolver.WatchRoutines {
		watcher, err := registry.NewWatcher(rt.reg, rt.manager.Loader(), rt.cfg.RoutinesDir())
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("Routine watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := server.New(rt.cfg.Server.Addr, rt.coord, rt.reg, rt.history, rt.cfg.Server.Debug)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Assistant server listening",
			zap.String("addr", rt.cfg.Server.Addr),
			zap.Bool("debug", rt.cfg.Server.Debug))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	return nil
}
