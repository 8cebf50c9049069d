package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaybill/relaybill/internal/clock"
	"github.com/relaybill/relaybill/internal/config"
)

var ErrSignatureInvalid = errors.New("signature_invalid")

// Verifier checks webhook authenticity. The provider signs
// "<unix_ts>.<payload>" with HMAC-SHA256 and sends
// "Relay-Billing-Signature: t=<unix>,v1=<hex>".
type Verifier struct {
	secret []byte
	skew   time.Duration
	clock  clock.Clock
}

func NewVerifier(cfg config.Config, clk clock.Clock) *Verifier {
	skew := time.Duration(cfg.Provider.SignatureSkewS) * time.Second
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &Verifier{
		secret: []byte(cfg.Provider.WebhookSecret),
		skew:   skew,
		clock:  clk,
	}
}

// Verify rejects missing, malformed, stale, or forged signatures. Any
// failure maps to ErrSignatureInvalid so callers cannot leak which check
// tripped.
func (v *Verifier) Verify(header string, payload []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", ErrSignatureInvalid)
	}

	ts, signature, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	issued := time.Unix(ts, 0)
	now := v.clock.Now()
	if issued.Before(now.Add(-v.skew)) || issued.After(now.Add(v.skew)) {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed hex signature", ErrSignatureInvalid)
	}
	if !hmac.Equal(expected, provided) {
		return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}
	return nil
}

// Sign produces a header for the given payload. Used by tests and the
// outbound client's request signing.
func (v *Verifier) Sign(payload []byte, at time.Time) string {
	ts := at.UTC().Unix()
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func parseSignatureHeader(header string) (int64, string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, "", fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}

	var tsRaw, signature string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			tsRaw = value
		case "v1":
			signature = value
		}
	}
	if tsRaw == "" || signature == "" {
		return 0, "", fmt.Errorf("%w: malformed signature header", ErrSignatureInvalid)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed timestamp", ErrSignatureInvalid)
	}
	return ts, signature, nil
}
