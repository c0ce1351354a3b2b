package webhooks

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("super-secret-signing-key"))

func signedHeaders(t *testing.T, secret, id string, ts time.Time, body []byte) http.Header {
	t.Helper()
	sig, err := Sign(secret, id, ts, body)
	require.NoError(t, err)
	h := http.Header{}
	h.Set("svix-id", id)
	h.Set("svix-timestamp", strconv.FormatInt(ts.Unix(), 10))
	h.Set("svix-signature", sig)
	return h
}

func TestVerifierAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	body := []byte(`{"type":"email.received","data":{"email_id":"abc"}}`)
	v := NewVerifier(testSecret, 5*time.Minute, WithClock(func() time.Time { return now }))

	h := signedHeaders(t, testSecret, "msg_1", now, body)
	require.NoError(t, v.Verify(body, h))
	assert.True(t, v.Valid(body, h))
}

func TestVerifierRejectsAnyFlippedBodyByte(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	body := []byte(`{"type":"email.received"}`)
	v := NewVerifier(testSecret, 5*time.Minute, WithClock(func() time.Time { return now }))
	h := signedHeaders(t, testSecret, "msg_1", now, body)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		assert.ErrorIs(t, v.Verify(tampered, h), ErrInvalidSignature, "byte %d", i)
	}
}

func TestVerifierTolerance(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	body := []byte(`{}`)
	v := NewVerifier(testSecret, 5*time.Minute, WithClock(func() time.Time { return now }))

	old := now.Add(-6 * time.Minute)
	assert.ErrorIs(t, v.Verify(body, signedHeaders(t, testSecret, "id", old, body)), ErrTimestampOutOfRange)

	future := now.Add(6 * time.Minute)
	assert.ErrorIs(t, v.Verify(body, signedHeaders(t, testSecret, "id", future, body)), ErrTimestampOutOfRange)

	edge := now.Add(-5 * time.Minute)
	assert.NoError(t, v.Verify(body, signedHeaders(t, testSecret, "id", edge, body)))

	wide := NewVerifier(testSecret, 24*time.Hour, WithClock(func() time.Time { return now }))
	assert.NoError(t, wide.Verify(body, signedHeaders(t, testSecret, "id", now.Add(-23*time.Hour), body)))
}

func TestVerifierMultipleCandidates(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	body := []byte(`{"a":1}`)
	v := NewVerifier(testSecret, time.Minute, WithClock(func() time.Time { return now }))
	h := signedHeaders(t, testSecret, "id", now, body)

	h.Set("svix-signature", "v1,bm90LXRoZS1zaWc= v2,ignored "+h.Get("svix-signature"))
	assert.NoError(t, v.Verify(body, h))

	h.Set("svix-signature", "v1,bm90LXRoZS1zaWc= v1,!!notbase64")
	assert.ErrorIs(t, v.Verify(body, h), ErrInvalidSignature)
}

func TestVerifierHeaderProblems(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	v := NewVerifier(testSecret, time.Minute, WithClock(func() time.Time { return now }))

	assert.ErrorIs(t, v.Verify([]byte("{}"), http.Header{}), ErrMissingHeaders)

	h := http.Header{}
	h.Set("svix-id", "id")
	h.Set("svix-timestamp", "yesterday")
	h.Set("svix-signature", "v1,abc")
	assert.ErrorIs(t, v.Verify([]byte("{}"), h), ErrInvalidTimestamp)
}

func TestVerifierStandardWebhookHeaders(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	body := []byte(`{}`)
	sig, err := Sign(testSecret, "id", now, body)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("webhook-id", "id")
	h.Set("webhook-timestamp", strconv.FormatInt(now.Unix(), 10))
	h.Set("webhook-signature", sig)

	v := NewVerifier(testSecret, time.Minute, WithClock(func() time.Time { return now }))
	assert.NoError(t, v.Verify(body, h))
}

func TestVerifierSecretWithoutPrefix(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	bare := base64.StdEncoding.EncodeToString([]byte("another-key"))
	body := []byte(`{}`)
	v := NewVerifier(bare, time.Minute, WithClock(func() time.Time { return now }))
	assert.NoError(t, v.Verify(body, signedHeaders(t, "whsec_"+bare, "id", now, body)))
}

func TestVerifierEnabled(t *testing.T) {
	assert.False(t, NewVerifier("", time.Minute).Enabled())
	assert.False(t, NewVerifier("   ", time.Minute).Enabled())
	assert.True(t, NewVerifier(testSecret, time.Minute).Enabled())

	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Enabled())
}
