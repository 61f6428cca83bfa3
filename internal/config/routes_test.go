package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePublicRoutes(t *testing.T) {
	for _, scenario := range []struct {
		name     string
		data     string
		expected *PublicRoutes
		wantErr  bool
	}{
		{
			name:     "empty document",
			data:     "",
			expected: &PublicRoutes{},
		},
		{
			name: "user provided values",
			data: `prefixes:
  - /api/status
  - /api/public/
  - docs
`,
			expected: &PublicRoutes{Prefixes: []string{"/api/status", "/api/public", "/docs"}},
		},
		{
			name:    "blank prefix rejected",
			data:    "prefixes:\n  - \"  \"\n",
			wantErr: true,
		},
		{
			name:    "invalid yaml rejected",
			data:    "prefixes: [",
			wantErr: true,
		},
	} {
		t.Run(scenario.name, func(t *testing.T) {
			routes, err := ParsePublicRoutes([]byte(scenario.data))
			if scenario.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, scenario.expected, routes)
		})
	}
}

func TestLoadPublicRoutes(t *testing.T) {
	t.Run("empty path yields empty list", func(t *testing.T) {
		routes, err := LoadPublicRoutes("")
		require.NoError(t, err)
		assert.Empty(t, routes.Prefixes)
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "routes.yaml")
		require.NoError(t, os.WriteFile(path, []byte("prefixes:\n  - /api/status\n"), 0o600))

		routes, err := LoadPublicRoutes(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"/api/status"}, routes.Prefixes)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := LoadPublicRoutes("/nonexistent/routes.yaml")
		assert.Error(t, err)
	})
}
