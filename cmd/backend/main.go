package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"

	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tenantbridge/tenantbridge/internal/api"
	"github.com/tenantbridge/tenantbridge/internal/audit"
	"github.com/tenantbridge/tenantbridge/internal/authz"
	"github.com/tenantbridge/tenantbridge/internal/config"
	"github.com/tenantbridge/tenantbridge/internal/identity"
	"github.com/tenantbridge/tenantbridge/internal/observe"
	"github.com/tenantbridge/tenantbridge/internal/server"
	"github.com/tenantbridge/tenantbridge/internal/store/pg"
	"github.com/tenantbridge/tenantbridge/internal/webhook"
)

func configureServerRoutes(cfg config.BackendConfig, st *pg.Store) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	verifier, err := webhook.NewVerifier(cfg.Webhook)
	if err != nil {
		return nil, fmt.Errorf("webhook verifier configuration failed: %w", err)
	}

	router := webhook.NewRouter(verifier, webhook.NewSynchronizer(st))

	auditor := audit.Middleware()
	identifier := identity.Middleware(cfg.Gateway.SharedSecret)

	// Webhook payloads are bounded by the provider; API request bodies are
	// small. Limit both to prevent accidental or deliberate abuse.
	requestLimitBytes := int64(1 << 20) // 1 MB
	requestLimiter := maxRequestSize(requestLimitBytes)

	// webhook deliveries authenticate by signature, not identity headers
	webhookChain := alice.New(requestLimiter, auditor)
	mux.Handle("POST /api/webhooks/clerk", webhookChain.Then(router.Handler()))

	apiChain := alice.New(requestLimiter, auditor, identifier)
	apiMux := http.NewServeMux()
	api.New(st, authz.New(st)).Register(apiMux)
	mux.Handle("/api/", apiChain.Then(apiMux))

	// metrics and healthchecks are not included in telemetry
	muxWithoutTelemetry.Handle("GET /metrics", promhttp.Handler())

	return mux, nil
}

// maxRequestSize limits the size of the request body, returning a 413 when
// the limit is breached.
func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
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

	cfg, err := config.LoadBackend(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	st, err := pg.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("database configuration failed: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}

	handler, err := configureServerRoutes(cfg, st)
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
