package gateway

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/tenantbridge/tenantbridge/internal/config"
	"github.com/tenantbridge/tenantbridge/internal/identity"
)

// Proxy forwards requests to the backend service. The verification
// middleware has already written the identity headers; the proxy adds the
// gateway transport marker when configured.
func Proxy(cfg config.ProxyConfig) (http.Handler, error) {
	backend, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("backend URL invalid: %w", err)
	}
	if !backend.IsAbs() {
		return nil, fmt.Errorf("backend URL must be absolute: %s", cfg.BackendURL)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(backend)
			r.SetXForwarded()

			// identity headers are set on the inbound request by the
			// verification middleware; copy them through explicitly.
			r.Out.Header.Set(identity.HeaderUserID, r.In.Header.Get(identity.HeaderUserID))
			r.Out.Header.Set(identity.HeaderOrgID, r.In.Header.Get(identity.HeaderOrgID))

			if cfg.SharedSecret != "" {
				r.Out.Header.Set(identity.HeaderGatewayToken, cfg.SharedSecret)
			}
		},
	}

	return proxy, nil
}
