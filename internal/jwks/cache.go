// Package jwks resolves JWT signing keys from a provider's published JSON Web
// Key Set.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/maypok86/otter"
	"github.com/rs/zerolog/log"
)

// ErrKeyNotFound is returned when the key set was fetched successfully but
// does not contain the requested key id. This is distinct from a fetch
// failure: the caller may treat it as a bad token rather than a provider
// outage.
var ErrKeyNotFound = errors.New("signing key not found in JWKS")

// Cache memoizes RSA signing keys by key id. Entries expire after the
// configured TTL so that rotated keys are picked up without a process
// restart; Invalidate and Purge allow an operator to force the issue.
//
// The cache is non-locking: concurrent misses for the same key id may each
// fetch the key set, with the last write winning. Misses are rare (only on
// rotation or cold start), so the redundant fetches are cheaper than
// coordinating.
type Cache struct {
	url          string
	fetchTimeout time.Duration
	client       *http.Client
	keys         otter.Cache[string, *rsa.PublicKey]
}

// New creates a key cache for the given JWKS endpoint.
func New(url string, ttl, fetchTimeout time.Duration) (*Cache, error) {
	keys, err := otter.
		MustBuilder[string, *rsa.PublicKey](1_000).
		CollectStats().
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("key cache construction failed: %w", err)
	}

	return &Cache{
		url:          url,
		fetchTimeout: fetchTimeout,
		client:       http.DefaultClient,
		keys:         keys,
	}, nil
}

// Key returns the RSA public key for the given key id, fetching the full key
// set on a cache miss. Returns ErrKeyNotFound when the fetched set lacks the
// key id, or a wrapped transport/decode error when the set cannot be
// retrieved.
func (c *Cache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := c.keys.Get(kid); ok {
		return key, nil
	}

	set, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	// Populate the cache with every usable key in the set, not just the one
	// requested: a provider rotating keys serves several concurrently.
	var requested *rsa.PublicKey
	for _, k := range set.Keys {
		rsaKey, ok := k.Key.(*rsa.PublicKey)
		if !ok || k.KeyID == "" {
			continue
		}
		c.keys.Set(k.KeyID, rsaKey)
		if k.KeyID == kid {
			requested = rsaKey
		}
	}

	if requested == nil {
		log.Warn().Str("kid", kid).Msg("requested key id absent from fetched key set")
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	return requested, nil
}

// Invalidate removes a single key id from the cache.
func (c *Cache) Invalidate(kid string) {
	c.keys.Delete(kid)
}

// Purge removes all cached keys, forcing the next lookup to fetch.
func (c *Cache) Purge() {
	c.keys.Clear()
}

func (c *Cache) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("JWKS request construction failed: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed: unexpected status %d", resp.StatusCode)
	}

	set := &jose.JSONWebKeySet{}
	if err := json.NewDecoder(resp.Body).Decode(set); err != nil {
		return nil, fmt.Errorf("JWKS decode failed: %w", err)
	}

	return set, nil
}
