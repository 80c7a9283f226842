package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"kirogateway/internal/config"
	"kirogateway/internal/gateway/core"
	"kirogateway/internal/gateway/upstream"
	"kirogateway/internal/gateway/wire"
	"kirogateway/internal/httpapi"
	"kirogateway/internal/observability"
)

func main() {
	cfg := config.Load()
	observability.InitLogger("", cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without export")
		shutdownOTel = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(shutdownCtx)
	}()

	httpClient := observability.NewUpstreamHTTPClient(observability.HTTPPoolConfig{
		MaxConnections:  cfg.HTTPPool.MaxConnections,
		MaxKeepalive:    cfg.HTTPPool.MaxKeepalive,
		KeepaliveExpiry: cfg.HTTPPool.KeepaliveExpiry,
		ConnectTimeout:  cfg.HTTPPool.ConnectTimeout,
		UseHTTP2:        cfg.HTTPPool.UseHTTP2,
	})

	collaboratorClient := upstream.New(httpClient, cfg.KiroProxyBase, cfg.KiroAPIKey)
	collaborate := func(ctx context.Context, prompt string) (string, error) {
		req := wire.OpenAIRequest{
			Model:    cfg.AsyncSummary.SummaryModel,
			Messages: []wire.OpenAIMessage{{Role: "user", Content: prompt}},
		}
		choice, err := collaboratorClient.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		return choice.Message.Content, nil
	}

	gatewayCore := core.New(cfg, httpClient, collaborate)
	server := httpapi.NewServer(gatewayCore)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
}
