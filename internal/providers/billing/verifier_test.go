package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/relaybill/relaybill/internal/clock"
	"github.com/relaybill/relaybill/internal/config"
)

func testVerifier(t *testing.T, now time.Time) (*Verifier, *clock.FakeClock) {
	t.Helper()
	fake := clock.NewFakeClock(now)
	cfg := config.Config{}
	cfg.Provider.WebhookSecret = "whsec_test"
	cfg.Provider.SignatureSkewS = 300
	return NewVerifier(cfg, fake), fake
}

func TestVerifyValidSignature(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	v, _ := testVerifier(t, now)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	header := v.Sign(payload, now)
	if err := v.Verify(header, payload); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	v, _ := testVerifier(t, now)

	header := v.Sign([]byte(`{"amount":100}`), now)
	err := v.Verify(header, []byte(`{"amount":100000}`))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	v, fake := testVerifier(t, now)
	payload := []byte(`{"id":"evt_2"}`)

	header := v.Sign(payload, now)
	fake.Advance(10 * time.Minute)

	err := v.Verify(header, payload)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for stale timestamp, got %v", err)
	}
}

func TestVerifySkewTolerance(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	v, _ := testVerifier(t, now)
	payload := []byte(`{"id":"evt_3"}`)

	// Two minutes of clock drift in either direction is inside the window.
	if err := v.Verify(v.Sign(payload, now.Add(-2*time.Minute)), payload); err != nil {
		t.Fatalf("past drift within skew: %v", err)
	}
	if err := v.Verify(v.Sign(payload, now.Add(2*time.Minute)), payload); err != nil {
		t.Fatalf("future drift within skew: %v", err)
	}
}

func TestVerifyMalformedHeaders(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	v, _ := testVerifier(t, now)
	payload := []byte(`{}`)

	for _, header := range []string{"", "v1=abc", "t=notanumber,v1=abc", "t=1750000000", "t=1750000000,v1=zzzz"} {
		if err := v.Verify(header, payload); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("header %q: expected ErrSignatureInvalid, got %v", header, err)
		}
	}
}
