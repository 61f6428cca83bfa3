package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tenantbridge/tenantbridge/internal/audit"
	"github.com/tenantbridge/tenantbridge/internal/config"
	"github.com/tenantbridge/tenantbridge/internal/gateway"
	"github.com/tenantbridge/tenantbridge/internal/jwks"
	"github.com/tenantbridge/tenantbridge/internal/observe"
	"github.com/tenantbridge/tenantbridge/internal/server"
)

func configureHandler(cfg config.GatewayConfig) (http.Handler, error) {
	keyCache, err := jwks.New(
		cfg.Authorization.JWKSURL,
		time.Duration(cfg.Authorization.KeyCacheTTLMinutes)*time.Minute,
		time.Duration(cfg.Authorization.FetchTimeoutSeconds)*time.Second,
	)
	if err != nil {
		return nil, fmt.Errorf("key cache configuration failed: %w", err)
	}

	extraRoutes, err := config.LoadPublicRoutes(cfg.Authorization.PublicRoutesFile)
	if err != nil {
		return nil, fmt.Errorf("public routes configuration failed: %w", err)
	}

	proxy, err := gateway.Proxy(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration failed: %w", err)
	}

	auditor := audit.Middleware()
	authorizer := gateway.VerificationMiddleware(
		cfg.Authorization,
		keyCache.Key,
		gateway.NewPublicRoutes(extraRoutes),
	)

	chain := alice.New(auditor, authorizer).Then(proxy)

	// every route passes through verification; the proxy decides nothing
	mux := http.NewServeMux()
	mux.Handle("/", chain)

	return observe.NewMux(mux), nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.LoadGateway(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HttpTransport(
		configureHttpTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	handler, err := configureHandler(cfg)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        handler,
		MaxHeaderBytes: 20 << 10, // 20 KB
	}

	srv.RegisterOnShutdown(func() {
		log.Info().Msg("telemetry: shutting down")
		shutdownTelemetry(ctx)
		log.Info().Msg("telemetry: shutdown complete")
	})

	err = server.Serve(cfg.Server, srv)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHttpTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHttpMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHttpMaxConnsPerHost

	return transport
}
