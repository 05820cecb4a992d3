// Package main provides the recordsync server: REST ingestion, audit, repair
// and query endpoints plus the MCP endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/api"
	"github.com/bull/recordsync/internal/app"
	"github.com/bull/recordsync/internal/config"
	mcpserver "github.com/bull/recordsync/internal/mcp"
)

const (
	pruneInterval   = time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "recordsync server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	a, err := app.Build(ctx, cfg, app.Options{NeedOpenAI: true})
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger

	a.Logs.Start(pruneInterval)
	defer a.Logs.Stop()

	server := mcpserver.NewServer(&mcpserver.Config{
		Query:    a.Query,
		Auditor:  a.Auditor,
		Ingestor: a.Ingestor,
	})

	rest := api.NewHandler(api.Deps{
		Ingestor:  a.Ingestor,
		Documents: a.Documents,
		Auditor:   a.Auditor,
		Repair:    a.Repair,
		Query:     a.Query,
		Logs:      a.Logs,
		Health: map[string]api.HealthChecker{
			"documents": a.Documents,
			"vectors":   a.Vectors,
		},
		Gatherer:       a.Registry,
		MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
		Logger:         logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewHTTPHandler(server, nil))
	mux.Handle("/", rest)

	httpServer := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server",
			zap.String("addr", httpServer.Addr),
			zap.String("mode", cfg.Server.Mode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Stdio mode: run MCP server over stdin/stdout for local clients while
	// the REST endpoints stay up.
	if cfg.Server.Mode == "stdio" {
		go func() {
			logger.Info("starting MCP server (stdio mode)")
			if err := server.Run(ctx); err != nil {
				logger.Error("stdio server stopped", zap.Error(err))
			}
			cancel()
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	return httpServer.Shutdown(shutdownCtx)
}
