// Package webhook verifies signed inbound authorization events.
//
// The signature header has the form "t=<unix seconds>,v1=<hex hmac>", where
// the HMAC-SHA256 is computed over "<t>.<raw body>" with the shared secret.
// Several v1 values may be present during secret rotation.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the timestamped signature.
const SignatureHeader = "Webhook-Signature"

var (
	ErrMissingSignature        = errors.New("webhook: missing signature")
	ErrInvalidSignature        = errors.New("webhook: invalid signature")
	ErrTimestampOutOfTolerance = errors.New("webhook: timestamp outside tolerance")
)

func compute(secret string, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns a header value for body signed at t.
func Sign(secret string, t time.Time, body []byte) string {
	ts := t.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(compute(secret, ts, body))
}

// Verify checks header against the raw body. A zero tolerance disables the
// timestamp check.
func Verify(header string, body []byte, secret string, tolerance time.Duration, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrInvalidSignature
			}
			ts, hasTS = parsed, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if !hasTS || len(sigs) == 0 {
		return ErrMissingSignature
	}

	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrTimestampOutOfTolerance
		}
	}

	expected := compute(secret, ts, body)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}
