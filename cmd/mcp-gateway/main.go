package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contentops/mcp-gateway/auth"
	"github.com/contentops/mcp-gateway/catalog"
	"github.com/contentops/mcp-gateway/cmsrpc"
	"github.com/contentops/mcp-gateway/config"
	"github.com/contentops/mcp-gateway/internal/engine"
	"github.com/contentops/mcp-gateway/internal/logctx"
	"github.com/contentops/mcp-gateway/mcp"
	"github.com/contentops/mcp-gateway/sessions"
	"github.com/contentops/mcp-gateway/streaminghttp"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}

	cms := cmsrpc.New(cfg.CMSEndpoint,
		cmsrpc.WithLogger(log),
		cmsrpc.WithAPIKey(cfg.CMSAPIKey))

	cat := catalog.New(log)
	defer cat.Close()

	cmsSource := catalog.NewCMS(cms, cat,
		catalog.WithRefreshTTL(cfg.CMSRefreshTTL),
		catalog.WithCMSLogger(log))
	if err := cmsSource.Refresh(ctx); err != nil {
		// The backend may come up after the gateway; keep serving with an
		// empty catalog and let the refresh loop recover.
		log.Warn("catalog.cms.initial.fail", slog.String("err", err.Error()))
	}
	go func() {
		if err := cmsSource.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("catalog.cms.run.fail", slog.String("err", err.Error()))
		}
	}()

	if cfg.ToolsFile != "" {
		fileSource := catalog.NewFile(cfg.ToolsFile, cat, cmsSource.Invoker, log)
		go func() {
			if err := fileSource.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("catalog.file.run.fail", slog.String("err", err.Error()))
			}
		}()
	}

	registry := sessions.NewRegistry(streaminghttp.NewSessionFactory(cat,
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{
			Name:    cfg.ServerName,
			Version: version,
		}),
	), log)

	handler, err := streaminghttp.New(cfg.PublicEndpoint, registry, verifier, verifier.Metadata(),
		streaminghttp.WithServerName(cfg.ServerName),
		streaminghttp.WithRealm(cfg.Realm),
		streaminghttp.WithLogger(log),
		streaminghttp.WithSoftwareIdentity("mcp-gateway", version))
	if err != nil {
		return fmt.Errorf("http handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.start",
			slog.String("addr", cfg.ListenAddr),
			slog.String("endpoint", cfg.PublicEndpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}

func newVerifier(ctx context.Context, cfg *config.Config) (*auth.JWTVerifier, error) {
	opts := []auth.Option{auth.WithLeeway(cfg.TokenLeeway)}
	if cfg.JWKSURL != "" {
		return auth.NewStatic(ctx, cfg.OIDCIssuer, cfg.Audience, cfg.JWKSURL, opts...)
	}
	return auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, cfg.Audience, opts...)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: base})
}
