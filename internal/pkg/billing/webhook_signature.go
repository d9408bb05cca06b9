package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// PaddleSignatureHeader carries "ts=<unix>;h1=<hex>".
const PaddleSignatureHeader = "Paddle-Signature"

// VerifyPaddleWebhookSignature checks the HMAC-SHA256 of "<ts>:<body>".
// A positive maxAge also rejects signatures older than that.
func VerifyPaddleWebhookSignature(payload []byte, signatureHeader, webhookSecret string, maxAge time.Duration, now time.Time) bool {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return false
	}

	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(strings.TrimSpace(signatureHeader), ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "h1":
			if decoded, err := hex.DecodeString(strings.ToLower(value)); err == nil {
				sigs = append(sigs, decoded)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return false
	}

	if maxAge > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false
		}
		if now.Sub(time.Unix(unix, 0)) > maxAge {
			return false
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(payload)
	expected := mac.Sum(nil)
	// Paddle sends several h1 values while a secret is being rotated.
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return true
		}
	}
	return false
}

// SignPaddleWebhook builds a Paddle-Signature header value for payload.
func SignPaddleWebhook(payload []byte, webhookSecret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(payload)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}
