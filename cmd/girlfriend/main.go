// Package main boots the companion service with a terminal chat front-end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/easeaico/her-companion/internal/app"
	"github.com/easeaico/her-companion/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	platformID := flag.String("user", "cli_test_user", "platform identity of the chatting user")
	nickname := flag.String("nickname", "测试用户", "nickname of the chatting user")
	flag.Parse()

	cfg := config.Load()
	setupLogger(cfg)
	slog.Info("configuration loaded", "provider", cfg.AIProvider, "model", cfg.LLMModel, "rag_backend", cfg.RAGBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}
	a.Start(ctx)

	metricsSrv := serveMetrics(cfg.MetricsAddr)

	sh, err := newShell(ctx, a, *platformID, *nickname, os.Stdin, os.Stdout)
	if err != nil {
		log.Fatalf("failed to start chat shell: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- sh.Run(ctx)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		fmt.Println("\n正在关闭...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("failed to stop metrics server", "error", err)
		}
	}
	a.Close(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Fatalf("chat shell failed: %v", runErr)
	}
	fmt.Println("Companion shutdown complete")
}

func setupLogger(cfg config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	// 终端被聊天占用，日志写到 stderr
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("slog logger initialized", "level", level.String(), "format", cfg.LogFormat)
}

func serveMetrics(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
