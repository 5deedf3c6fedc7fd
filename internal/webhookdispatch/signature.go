package webhookdispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// defaultSignatureTolerance is the "reject timestamps older than a
// tolerance" default of spec §4.8.1.
const defaultSignatureTolerance = 300 * time.Second

// GenerateSignature implements generate_signature(body, secret, t) (spec
// §4.8.1): signedPayload = timestamp "." body, signature = "v1=" hex(HMAC).
// Exported as a primitive for client SDKs verifying inbound deliveries.
func GenerateSignature(body []byte, secret string, timestamp int64) string {
	signed := fmt.Sprintf("%d.%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature implements verify_webhook_signature(body, sig, secret, t,
// tol) (spec §4.8.1, spec §8 invariant 8): constant-time comparison, and
// the timestamp must fall within tol of the caller's now.
func VerifySignature(body []byte, sig, secret string, timestamp int64, now time.Time, tol time.Duration) bool {
	if tol <= 0 {
		tol = defaultSignatureTolerance
	}
	age := now.Unix() - timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > tol {
		return false
	}
	expected := GenerateSignature(body, secret, timestamp)
	return hmac.Equal([]byte(expected), []byte(sig))
}
