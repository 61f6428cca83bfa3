package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// GatewayConfig is the configuration for the edge gateway process.
type GatewayConfig struct {
	Server        ServerConfig
	Authorization AuthorizationConfig
	Proxy         ProxyConfig
	Observe       ObserveConfig
}

// BackendConfig is the configuration for the backend identity service.
type BackendConfig struct {
	Server   ServerConfig
	Database DatabaseConfig
	Webhook  WebhookConfig
	Gateway  GatewayTrustConfig
	Observe  ObserveConfig
}

type ServerConfig struct {
	Port                        int `env:"PORT, default=8080"`
	ShutdownTimeoutSeconds      int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`
	OutgoingHttpMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHttpMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// AuthorizationConfig configures JWT verification at the gateway. The issuer
// and JWKS URL are required: without them no token can be verified, so the
// process refuses to start.
type AuthorizationConfig struct {
	Issuer              string `env:"JWT_ISSUER, required"`
	JWKSURL             string `env:"JWT_JWKS_URL, required"`
	KeyCacheTTLMinutes  int    `env:"JWT_JWKS_CACHE_TTL_MINUTES, default=15"`
	FetchTimeoutSeconds int    `env:"JWT_JWKS_FETCH_TIMEOUT_SECS, default=5"`
	// PublicRoutesFile optionally points at a YAML file listing additional
	// unauthenticated route prefixes, merged with the built-in allow list.
	PublicRoutesFile string `env:"GATEWAY_PUBLIC_ROUTES_FILE"`
}

// ProxyConfig configures the upstream backend the gateway forwards to.
type ProxyConfig struct {
	BackendURL string `env:"BACKEND_URL, required"`
	// SharedSecret, when set, is forwarded as X-Gateway-Token so the backend
	// can verify the request really traversed the gateway.
	SharedSecret string `env:"GATEWAY_SHARED_SECRET"`
}

type DatabaseConfig struct {
	DSN                    string `env:"DATABASE_URL, required"`
	MaxOpenConns           int    `env:"DATABASE_MAX_OPEN_CONNS, default=25"`
	MaxIdleConns           int    `env:"DATABASE_MAX_IDLE_CONNS, default=10"`
	ConnMaxLifetimeMinutes int    `env:"DATABASE_CONN_MAX_LIFETIME_MINUTES, default=15"`
}

// WebhookConfig configures verification of inbound provider webhooks.
// Verification fails closed: an empty secret is a startup error unless
// InsecureSkipVerify is set explicitly (development only).
type WebhookConfig struct {
	Secret             string `env:"WEBHOOK_SECRET"`
	InsecureSkipVerify bool   `env:"WEBHOOK_INSECURE_SKIP_VERIFY, default=false"`
	ToleranceMinutes   int    `env:"WEBHOOK_TIMESTAMP_TOLERANCE_MINUTES, default=5"`
}

// GatewayTrustConfig configures how the backend recognises requests from the
// gateway. SharedSecret must match the gateway's value when set; when empty,
// header trust rests on network topology alone.
type GatewayTrustConfig struct {
	SharedSecret string `env:"GATEWAY_SHARED_SECRET"`
}

type ObserveConfig struct {
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=tenantbridge"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_OTEL_TRACE_BATCH_TIMEOUT_SECS, default=5"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_OTEL_METRIC_READ_INTERVAL_SECS, default=30"`
	HttpTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HttpConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func LoadGateway(ctx context.Context) (cfg GatewayConfig, err error) {
	err = envconfig.Process(ctx, &cfg)
	return
}

func LoadBackend(ctx context.Context) (cfg BackendConfig, err error) {
	err = envconfig.Process(ctx, &cfg)
	return
}
