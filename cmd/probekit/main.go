// Command probekit runs the MCP media inspection server: JSON-RPC over SSE
// and streamable HTTP, a management API, and a health endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/probekit/probekit/adminhttp"
	"github.com/probekit/probekit/asr"
	"github.com/probekit/probekit/internal/config"
	"github.com/probekit/probekit/internal/dispatch"
	"github.com/probekit/probekit/internal/logctx"
	"github.com/probekit/probekit/mcphttp"
	"github.com/probekit/probekit/mediainfo"
	"github.com/probekit/probekit/sessions"
	"github.com/probekit/probekit/settings"
	"github.com/probekit/probekit/translate"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "probekit: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	})
	slog.SetDefault(logger)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("server.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := settings.NewStore(cfg.DataDir, settings.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer store.Close()

	media := mediainfo.NewClient(cfg.DataDir,
		mediainfo.WithBinary(cfg.ExtractorBinary),
		mediainfo.WithClientLogger(logger),
	)
	translator := translate.New(store)
	transcriber := asr.NewClient(cfg.ASR, media, cfg.DataDir, asr.WithLogger(logger))

	toolbox := dispatch.NewToolbox(media, translator, transcriber)
	dispatcher := dispatch.New(toolbox, dispatch.WithLogger(logger))
	registry := sessions.NewRegistry()

	mcpHandler := mcphttp.New(dispatcher, registry,
		mcphttp.WithLogger(logger),
		mcphttp.WithBasePath(cfg.BasePath),
	)
	admin := adminhttp.New(store, cfg.DataDir, cfg.AdminPassword,
		adminhttp.WithLogger(logger),
		adminhttp.WithDisabled(cfg.DisableAdmin),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleHealth)
	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle(cfg.BasePath, mcpHandler)
	mux.Handle(cfg.BasePath+"/", mcpHandler)
	mux.Handle("/admin/", admin)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server.listen",
			slog.String("addr", cfg.ListenAddr),
			slog.String("base_path", cfg.BasePath),
			slog.Bool("admin", admin.Enabled()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// withCORS mirrors every response with permissive CORS headers and answers
// preflight requests directly.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
