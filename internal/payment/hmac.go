package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
)

// HMACVerifier checks webhooks signed with a shared secret. The signature is
// the hex HMAC-SHA256 of "<timestamp>.<body>".
type HMACVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewHMACVerifier(secret string, tolerance time.Duration) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Sign returns the signature headers for body at ts.
func (v *HMACVerifier) Sign(body []byte, ts time.Time) http.Header {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	h := http.Header{}
	h.Set(TimestampHeader, stamp)
	h.Set(SignatureHeader, v.mac(stamp, body))
	return h
}

func (v *HMACVerifier) mac(stamp string, body []byte) string {
	m := hmac.New(sha256.New, v.secret)
	m.Write([]byte(stamp))
	m.Write([]byte("."))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

func (v *HMACVerifier) Verify(_ context.Context, payload []byte, headers http.Header) (*Event, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	stamp := headers.Get(TimestampHeader)
	sig := headers.Get(SignatureHeader)
	if stamp == "" || sig == "" {
		return nil, fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}
	secs, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(secs, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	want := v.mac(stamp, payload)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return nil, ErrInvalidSignature
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if ev.Ref == "" {
		return nil, fmt.Errorf("notification %q has no order reference", ev.ID)
	}
	return &ev, nil
}

// HostedProvider sends the buyer to an external checkout page that reports
// back through signed webhooks.
type HostedProvider struct {
	baseURL   string
	returnURL string
}

func NewHostedProvider(baseURL, returnURL string) *HostedProvider {
	return &HostedProvider{baseURL: baseURL, returnURL: returnURL}
}

func (p *HostedProvider) Name() string { return "hmac" }

func (p *HostedProvider) CreateCheckout(_ context.Context, order *raffle.PendingOrder, _ string) (*Checkout, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("checkout base url: %w", err)
	}
	q := u.Query()
	q.Set("ref", order.ExternalRef)
	q.Set("amount", strconv.FormatInt(order.Amount, 10))
	q.Set("currency", order.Currency)
	if p.returnURL != "" {
		q.Set("return_url", p.returnURL)
	}
	u.RawQuery = q.Encode()
	return &Checkout{ProviderRef: order.ExternalRef, RedirectURL: u.String()}, nil
}
