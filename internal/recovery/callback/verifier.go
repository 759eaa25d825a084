// Package callback ingests signed provider webhooks and turns them into
// job state transitions.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrSignatureInvalid is returned on a missing or mismatched
	// signature.
	ErrSignatureInvalid = errors.New("callback signature invalid")

	// ErrTimestampOutOfTolerance is returned when the signed timestamp
	// drifts too far from the receiver's clock, in either direction.
	ErrTimestampOutOfTolerance = errors.New("callback timestamp out of tolerance")
)

// DefaultTolerance bounds accepted clock drift for signed callbacks.
const DefaultTolerance = 5 * time.Minute

// Verifier checks webhook authenticity: an HMAC-SHA256 over
// "{timestamp}.{raw body}" with a shared secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
}

// NewVerifier creates a verifier for the shared webhook secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance}
}

// Verify checks the signature over the exact raw body bytes. It must
// run before any parsing of the payload. The timestamp is unix seconds
// as sent in the signed header, and it participates in the MAC so a
// replayed body cannot be re-stamped.
func (v *Verifier) Verify(body []byte, signatureHex, timestamp string, now time.Time) error {
	// No secret configured means no callback can be authenticated.
	if len(v.secret) == 0 {
		return ErrSignatureInvalid
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrTimestampOutOfTolerance
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return ErrTimestampOutOfTolerance
	}

	expected := Sign(v.secret, body, timestamp)
	given, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrSignatureInvalid
	}
	if subtle.ConstantTimeCompare(expected, given) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign computes the raw MAC bytes for a body and timestamp. Exported so
// tests and outbound tooling produce signatures the verifier accepts.
func Sign(secret, body []byte, timestamp string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex is the hex form providers put in the signature header.
func SignHex(secret string, body []byte, timestamp string) string {
	return hex.EncodeToString(Sign([]byte(secret), body, timestamp))
}
