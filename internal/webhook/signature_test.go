package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantbridge/tenantbridge/internal/config"
)

var testTime = time.Date(2024, 5, 14, 10, 30, 0, 0, time.UTC)

func newTestVerifier(t *testing.T, secret string) *Verifier {
	t.Helper()

	v, err := NewVerifier(config.WebhookConfig{
		Secret:           secret,
		ToleranceMinutes: 5,
	})
	require.NoError(t, err)

	v.now = func() time.Time { return testTime }
	return v
}

func sign(key []byte, id, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(payload)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("test-signing-key"))
	id := "msg_2KWPBgLlAfxdpx2AI54pPJ85f4W"
	timestamp := strconv.FormatInt(testTime.Unix(), 10)
	payload := []byte(`{"type":"user.created","data":{"id":"user_1"}}`)

	v := newTestVerifier(t, secret)
	valid := sign([]byte("test-signing-key"), id, timestamp, payload)

	t.Run("valid signature accepted", func(t *testing.T) {
		assert.NoError(t, v.Verify(id, timestamp, valid, payload))
	})

	t.Run("raw secret accepted", func(t *testing.T) {
		raw := newTestVerifier(t, "plain-text-secret")
		sig := sign([]byte("plain-text-secret"), id, timestamp, payload)
		assert.NoError(t, raw.Verify(id, timestamp, sig, payload))
	})

	t.Run("any body change rejected", func(t *testing.T) {
		tampered := append([]byte(nil), payload...)
		tampered[len(tampered)-2] = 'X'
		assert.ErrorIs(t, v.Verify(id, timestamp, valid, tampered), ErrSignatureInvalid)
	})

	t.Run("different id rejected", func(t *testing.T) {
		assert.ErrorIs(t, v.Verify("msg_other", timestamp, valid, payload), ErrSignatureInvalid)
	})

	t.Run("different timestamp rejected", func(t *testing.T) {
		other := strconv.FormatInt(testTime.Add(time.Minute).Unix(), 10)
		assert.ErrorIs(t, v.Verify(id, other, valid, payload), ErrSignatureInvalid)
	})

	t.Run("different secret rejected", func(t *testing.T) {
		other := newTestVerifier(t, "whsec_"+base64.StdEncoding.EncodeToString([]byte("another-key")))
		assert.ErrorIs(t, other.Verify(id, timestamp, valid, payload), ErrSignatureInvalid)
	})

	t.Run("missing headers rejected", func(t *testing.T) {
		assert.ErrorIs(t, v.Verify("", timestamp, valid, payload), ErrSignatureInvalid)
		assert.ErrorIs(t, v.Verify(id, "", valid, payload), ErrSignatureInvalid)
		assert.ErrorIs(t, v.Verify(id, timestamp, "", payload), ErrSignatureInvalid)
	})

	t.Run("unsupported scheme version rejected", func(t *testing.T) {
		sig := "v2," + valid[len("v1,"):]
		assert.ErrorIs(t, v.Verify(id, timestamp, sig, payload), ErrSignatureInvalid)
	})

	t.Run("timestamp outside tolerance rejected", func(t *testing.T) {
		for _, skew := range []time.Duration{6 * time.Minute, -6 * time.Minute} {
			ts := strconv.FormatInt(testTime.Add(skew).Unix(), 10)
			sig := sign([]byte("test-signing-key"), id, ts, payload)
			assert.ErrorIs(t, v.Verify(id, ts, sig, payload), ErrSignatureInvalid)
		}
	})

	t.Run("timestamp inside tolerance accepted", func(t *testing.T) {
		ts := strconv.FormatInt(testTime.Add(4*time.Minute).Unix(), 10)
		sig := sign([]byte("test-signing-key"), id, ts, payload)
		assert.NoError(t, v.Verify(id, ts, sig, payload))
	})

	t.Run("non-numeric timestamp rejected", func(t *testing.T) {
		assert.ErrorIs(t, v.Verify(id, "yesterday", valid, payload), ErrSignatureInvalid)
	})
}

func TestNewVerifier(t *testing.T) {
	t.Run("missing secret fails closed", func(t *testing.T) {
		_, err := NewVerifier(config.WebhookConfig{})
		assert.ErrorIs(t, err, ErrSecretMissing)
	})

	t.Run("insecure override skips verification", func(t *testing.T) {
		v, err := NewVerifier(config.WebhookConfig{InsecureSkipVerify: true})
		require.NoError(t, err)
		assert.NoError(t, v.Verify("", "", "", nil))
	})

	t.Run("invalid base64 in prefixed secret rejected", func(t *testing.T) {
		_, err := NewVerifier(config.WebhookConfig{Secret: "whsec_!!!not-base64!!!"})
		assert.Error(t, err)
	})
}
