package genwave

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const (
	HeaderLicense   = "X-GenWave-License"
	HeaderTimestamp = "X-GenWave-Timestamp"
	HeaderSignature = "X-GenWave-Signature"

	// HeaderIdempotencyKey lets the backend collapse repeated creates of
	// the same batch.
	HeaderIdempotencyKey = "Idempotency-Key"

	// DefaultTolerance bounds clock skew between the site and the backend.
	DefaultTolerance = 5 * time.Minute
)

var ErrInvalidSignature = errors.New("invalid signature")

// Sign returns hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by Sign and rejects timestamps
// further than tolerance from now.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" || timestamp == "" || signature == "" {
		return ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrInvalidSignature
	}

	want, err := hex.DecodeString(Sign(secret, timestamp, body))
	if err != nil {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}
