package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Callback signature headers.
const (
	HeaderTimestamp = "X-Provider-Timestamp"
	HeaderSignature = "X-Provider-Signature"
)

var (
	// ErrInvalidSignature is returned for callbacks whose HMAC does not verify.
	ErrInvalidSignature = errors.New("invalid callback signature")

	// ErrMissingSignature is returned when signature headers are absent.
	ErrMissingSignature = errors.New("missing callback signature headers")

	// ErrStaleSignature is returned when the signed timestamp is outside the replay window.
	ErrStaleSignature = errors.New("callback timestamp outside replay window")
)

// Verifier checks callback HMAC signatures: hex(HMAC-SHA256(secret, timestamp + "\n" + body)).
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a Verifier. A nil Verifier accepts every request.
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	if secret == "" {
		return nil
	}

	return &Verifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}
}

// Verify checks the signature headers against body.
func (v *Verifier) Verify(headers http.Header, body []byte) error {
	if v == nil {
		return nil
	}

	timestamp := headers.Get(HeaderTimestamp)
	signature := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(headers.Get(HeaderSignature))), "sha256=")

	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}

	ts, err := parseSignedTimestamp(timestamp)
	if err != nil {
		return ErrInvalidSignature
	}

	delta := v.now().Sub(ts)
	if delta < 0 {
		delta = -delta
	}

	if v.maxSkew > 0 && delta > v.maxSkew {
		return ErrStaleSignature
	}

	if !hmac.Equal([]byte(signature), []byte(v.Sign(timestamp, body))) {
		return ErrInvalidSignature
	}

	return nil
}

// Sign computes the hex signature for timestamp and body.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignedTimestamp(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}

	return time.Parse(time.RFC3339, s)
}
