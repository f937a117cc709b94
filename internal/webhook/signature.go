package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventType = "X-Webhook-Event"
	HeaderEventID   = "X-Webhook-Delivery"
	HeaderEndpoint  = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderTest      = "X-Webhook-Test"
)

var (
	ErrSignatureFormat   = errors.New("webhook: malformed signature header")
	ErrSignatureMismatch = errors.New("webhook: signature mismatch")
	ErrSignatureExpired  = errors.New("webhook: signature timestamp outside tolerance")
)

// Sign computes the signature header value for body sent at ts:
// "t=<unix>,v1=<hex hmac-sha256(secret, "<unix>.<body>")>".
func Sign(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", unix, computeMAC(secret, unix, body))
}

// Verify checks a signature header against body. A zero tolerance skips the
// timestamp check.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var unix, mac string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrSignatureFormat
		}
		switch k {
		case "t":
			unix = v
		case "v1":
			mac = v
		}
	}
	if unix == "" || mac == "" {
		return ErrSignatureFormat
	}

	sec, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return ErrSignatureFormat
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(sec, 0))
		if skew < -tolerance || skew > tolerance {
			return ErrSignatureExpired
		}
	}

	want := computeMAC(secret, unix, body)
	if !hmac.Equal([]byte(want), []byte(mac)) {
		return ErrSignatureMismatch
	}
	return nil
}

func computeMAC(secret, unix string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(unix))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
