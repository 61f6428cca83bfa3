package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantbridge/tenantbridge/internal/testhelpers"
)

func generateJWK(t *testing.T, kid string) *jose.JSONWebKey {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return &jose.JSONWebKey{
		Key:       privateKey,
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// jwksServer serves the public halves of the given keys, counting fetches.
func jwksServer(t *testing.T, fetches *atomic.Int32, keys ...*jose.JSONWebKey) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches != nil {
			fetches.Add(1)
		}

		set := jose.JSONWebKeySet{}
		for _, k := range keys {
			set.Keys = append(set.Keys, k.Public())
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set))
	}))
	t.Cleanup(server.Close)

	return server
}

func newTestCache(t *testing.T, url string) *Cache {
	t.Helper()

	c, err := New(url, time.Minute, time.Second)
	require.NoError(t, err)
	return c
}

func TestKey(t *testing.T) {
	testhelpers.SetupLogger(t)
	ctx := context.Background()

	t.Run("fetches and returns requested key", func(t *testing.T) {
		jwk := generateJWK(t, "key-1")
		server := jwksServer(t, nil, jwk)

		c := newTestCache(t, server.URL)

		key, err := c.Key(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, &jwk.Key.(*rsa.PrivateKey).PublicKey, key)
	})

	t.Run("caches across lookups", func(t *testing.T) {
		var fetches atomic.Int32
		jwk := generateJWK(t, "key-1")
		server := jwksServer(t, &fetches, jwk)

		c := newTestCache(t, server.URL)

		_, err := c.Key(ctx, "key-1")
		require.NoError(t, err)
		_, err = c.Key(ctx, "key-1")
		require.NoError(t, err)

		assert.Equal(t, int32(1), fetches.Load())
	})

	t.Run("populates sibling keys from one fetch", func(t *testing.T) {
		var fetches atomic.Int32
		server := jwksServer(t, &fetches, generateJWK(t, "key-1"), generateJWK(t, "key-2"))

		c := newTestCache(t, server.URL)

		_, err := c.Key(ctx, "key-1")
		require.NoError(t, err)
		_, err = c.Key(ctx, "key-2")
		require.NoError(t, err)

		assert.Equal(t, int32(1), fetches.Load())
	})

	t.Run("unknown kid is ErrKeyNotFound", func(t *testing.T) {
		server := jwksServer(t, nil, generateJWK(t, "key-1"))

		c := newTestCache(t, server.URL)

		_, err := c.Key(ctx, "key-9")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("fetch failure is not ErrKeyNotFound", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(server.Close)

		c := newTestCache(t, server.URL)

		_, err := c.Key(ctx, "key-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("invalidate forces refetch", func(t *testing.T) {
		var fetches atomic.Int32
		jwk := generateJWK(t, "key-1")
		server := jwksServer(t, &fetches, jwk)

		c := newTestCache(t, server.URL)

		_, err := c.Key(ctx, "key-1")
		require.NoError(t, err)

		c.Invalidate("key-1")

		_, err = c.Key(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, int32(2), fetches.Load())
	})
}
