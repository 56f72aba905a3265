package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agent-spend-authorizer/internal/handler"
	"agent-spend-authorizer/internal/logging"
)

func serveCmd() *cobra.Command {
	var certFile, keyFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization webhook and operator API",
		Long: `Run the HTTP server.

Examples:
  spend-authorizer serve --config config.yaml
  spend-authorizer serve --tls-cert server.crt --tls-key server.key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), certFile, keyFile)
		},
	}
	cmd.Flags().StringVar(&certFile, "tls-cert", "", "TLS certificate file (enables HTTPS with --tls-key)")
	cmd.Flags().StringVar(&keyFile, "tls-key", "", "TLS private key file")
	return cmd
}

func runServe(parent context.Context, certFile, keyFile string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	a.writer.Start(ctx)

	h := handler.NewHandlerWithOptions(a.svc, handler.NewHandlerOptions{
		MaxBodySize:      cfg.Security.MaxRequestBodySize,
		WebhookSecret:    cfg.Security.WebhookSecret,
		WebhookTolerance: time.Duration(cfg.Security.WebhookToleranceSeconds) * time.Second,
	})
	router := handler.NewRouter(h, handler.RouterOptions{
		CronSecret:     cfg.Security.CronSecret,
		AdminSecret:    cfg.Security.AdminSecret,
		AllowedOrigins: a.allowedOrigins(),
		Limiter:        a.limiter,
	})

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		tls := certFile != "" && keyFile != ""
		log.Info().Str("addr", server.Addr).Bool("tls", tls).Msg("starting server")
		if tls {
			errCh <- server.ListenAndServeTLS(certFile, keyFile)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error closing server")
	}
	if err := a.close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error releasing resources")
	}

	return serveErr
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
