package callback

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test_secret"

func TestVerify_ValidSignature(t *testing.T) {
	now := time.Now()
	body := []byte(`{"call_id":"call_1","status":"completed"}`)
	ts := fmt.Sprintf("%d", now.Unix())

	v := NewVerifier(testSecret, DefaultTolerance)
	if err := v.Verify(body, SignHex(testSecret, body, ts), ts, now); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestVerify_TamperedBody(t *testing.T) {
	now := time.Now()
	body := []byte(`{"call_id":"call_1","status":"completed"}`)
	ts := fmt.Sprintf("%d", now.Unix())
	sig := SignHex(testSecret, body, ts)

	tampered := []byte(`{"call_id":"call_1","status":"opted_out"}`)
	v := NewVerifier(testSecret, DefaultTolerance)
	if err := v.Verify(tampered, sig, ts, now); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("tampered body accepted: %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	ts := fmt.Sprintf("%d", now.Unix())
	sig := SignHex("whsec_other", body, ts)

	v := NewVerifier(testSecret, DefaultTolerance)
	if err := v.Verify(body, sig, ts, now); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("wrong-secret signature accepted: %v", err)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	v := NewVerifier(testSecret, 5*time.Minute)

	for name, ts := range map[string]string{
		"past":   fmt.Sprintf("%d", now.Add(-6*time.Minute).Unix()),
		"future": fmt.Sprintf("%d", now.Add(6*time.Minute).Unix()),
	} {
		if err := v.Verify(body, SignHex(testSecret, body, ts), ts, now); !errors.Is(err, ErrTimestampOutOfTolerance) {
			t.Errorf("%s timestamp accepted: %v", name, err)
		}
	}
}

func TestVerify_DriftWithinTolerance(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	v := NewVerifier(testSecret, 5*time.Minute)

	ts := fmt.Sprintf("%d", now.Add(-4*time.Minute).Unix())
	if err := v.Verify(body, SignHex(testSecret, body, ts), ts, now); err != nil {
		t.Errorf("in-tolerance timestamp rejected: %v", err)
	}
}

func TestVerify_ReplayWithFreshTimestamp(t *testing.T) {
	now := time.Now()
	body := []byte(`{"call_id":"call_1"}`)
	oldTS := fmt.Sprintf("%d", now.Add(-time.Minute).Unix())
	sig := SignHex(testSecret, body, oldTS)

	// The timestamp participates in the MAC: swapping in a fresh one
	// invalidates the captured signature.
	freshTS := fmt.Sprintf("%d", now.Unix())
	v := NewVerifier(testSecret, DefaultTolerance)
	if err := v.Verify(body, sig, freshTS, now); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("re-stamped replay accepted: %v", err)
	}
}

func TestVerify_EmptySecretRejectsEverything(t *testing.T) {
	now := time.Now()
	body := []byte(`{"call_id":"call_1"}`)
	ts := fmt.Sprintf("%d", now.Unix())

	// A correctly computed empty-secret MAC must still be rejected:
	// an unconfigured secret disables the webhook, it does not open it.
	v := NewVerifier("", DefaultTolerance)
	if err := v.Verify(body, SignHex("", body, ts), ts, now); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("empty-secret verifier accepted a callback: %v", err)
	}
}

func TestVerify_MalformedInputs(t *testing.T) {
	now := time.Now()
	v := NewVerifier(testSecret, DefaultTolerance)
	ts := fmt.Sprintf("%d", now.Unix())

	if err := v.Verify([]byte(`{}`), "not-hex", ts, now); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("non-hex signature: %v", err)
	}
	if err := v.Verify([]byte(`{}`), SignHex(testSecret, []byte(`{}`), "soon"), "soon", now); !errors.Is(err, ErrTimestampOutOfTolerance) {
		t.Errorf("non-numeric timestamp: %v", err)
	}
}
