package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PublicRoutes lists route prefixes the gateway forwards without
// authentication.
type PublicRoutes struct {
	Prefixes []string `yaml:"prefixes"`
}

// ParsePublicRoutes parses a YAML public-route document, normalising each
// prefix to have a leading slash and no trailing slash.
func ParsePublicRoutes(data []byte) (*PublicRoutes, error) {
	routes := &PublicRoutes{}
	if err := yaml.Unmarshal(data, routes); err != nil {
		return nil, err
	}

	for i, p := range routes.Prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("public route prefix %d is empty", i)
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		routes.Prefixes[i] = strings.TrimRight(p, "/")
	}

	return routes, nil
}

// LoadPublicRoutes reads additional public route prefixes from path. An empty
// path yields an empty list, not an error.
func LoadPublicRoutes(path string) (*PublicRoutes, error) {
	if path == "" {
		return &PublicRoutes{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read public routes file: %w", err)
	}

	return ParsePublicRoutes(data)
}
