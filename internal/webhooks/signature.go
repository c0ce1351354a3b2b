// Package webhooks verifies signed webhook deliveries from the mail provider.
//
// The provider signs with the Svix scheme: an HMAC-SHA256 over
// "{id}.{timestamp}.{body}" keyed with the base64 secret (optionally prefixed
// with "whsec_"), sent as one or more space separated "v1,<base64>" values.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const secretPrefix = "whsec_"

var (
	ErrMissingHeaders      = errors.New("webhook signature headers missing")
	ErrInvalidTimestamp    = errors.New("webhook timestamp invalid")
	ErrTimestampOutOfRange = errors.New("webhook timestamp outside tolerance")
	ErrInvalidSecret       = errors.New("webhook secret is not valid base64")
	ErrInvalidSignature    = errors.New("webhook signature mismatch")
)

// header names, Svix first, then the Standard Webhooks spelling.
var (
	idHeaders        = []string{"svix-id", "webhook-id"}
	timestampHeaders = []string{"svix-timestamp", "webhook-timestamp"}
	signatureHeaders = []string{"svix-signature", "webhook-signature"}
)

// Verifier checks webhook signatures against a shared secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier builds a verifier. An empty secret disables verification.
func NewVerifier(secret string, tolerance time.Duration, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
	if v.tolerance <= 0 {
		v.tolerance = 5 * time.Minute
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Enabled reports whether a secret is configured. Callers skip verification
// when it is not.
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Valid reports whether body and headers carry an authentic signature.
func (v *Verifier) Valid(body []byte, header http.Header) bool {
	return v.Verify(body, header) == nil
}

// Verify returns nil for an authentic delivery, otherwise the reason it was
// rejected.
func (v *Verifier) Verify(body []byte, header http.Header) error {
	id := firstHeader(header, idHeaders)
	ts := firstHeader(header, timestampHeaders)
	sigs := firstHeader(header, signatureHeaders)
	if id == "" || ts == "" || sigs == "" {
		return ErrMissingHeaders
	}

	sec, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	delta := v.now().Sub(time.Unix(sec, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.tolerance {
		return ErrTimestampOutOfRange
	}

	key, err := decodeSecret(v.secret)
	if err != nil {
		return err
	}
	expected := computeSignature(key, id, ts, body)

	for _, part := range strings.Fields(sigs) {
		version, encoded, ok := strings.Cut(part, ",")
		if !ok || version != "v1" || encoded == "" {
			continue
		}
		received, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if hmac.Equal(received, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign produces a signature header value for body. It is the counterpart of
// Verify and is used when replaying stored deliveries.
func Sign(secret, id string, ts time.Time, body []byte) (string, error) {
	key, err := decodeSecret(strings.TrimSpace(secret))
	if err != nil {
		return "", err
	}
	stamp := strconv.FormatInt(ts.Unix(), 10)
	return "v1," + base64.StdEncoding.EncodeToString(computeSignature(key, id, stamp, body)), nil
}

func computeSignature(key []byte, id, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

func decodeSecret(secret string) ([]byte, error) {
	encoded := strings.TrimPrefix(secret, secretPrefix)
	if key, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return key, nil
	}
	key, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return key, nil
}

func firstHeader(header http.Header, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
