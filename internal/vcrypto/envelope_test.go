package vcrypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewEnvelopeCipher("master-secret-value")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	envelope, err := c.Encrypt("webhook-secret", []byte("whsec_abc123"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if envelope == "whsec_abc123" {
		t.Fatal("envelope must not equal plaintext")
	}
	plaintext, err := c.Decrypt("webhook-secret", envelope)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "whsec_abc123" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestDecryptWrongPurposeFails(t *testing.T) {
	c, _ := NewEnvelopeCipher("master-secret-value")
	envelope, _ := c.Encrypt("webhook-secret", []byte("whsec_abc123"))
	if _, err := c.Decrypt("intent-context", envelope); err == nil {
		t.Fatal("expected decrypt under a different purpose to fail")
	}
}

func TestDecryptRejectsBadVersion(t *testing.T) {
	c, _ := NewEnvelopeCipher("master-secret-value")
	if _, err := c.Decrypt("webhook-secret", "v2:deadbeef"); err == nil {
		t.Fatal("expected unrecognized version to be rejected")
	}
}

func TestNewEnvelopeCipherRejectsEmptySecret(t *testing.T) {
	if _, err := NewEnvelopeCipher(""); err == nil {
		t.Fatal("expected empty master secret to be rejected")
	}
}

func TestHMACSignAndVerify(t *testing.T) {
	key := []byte("secret")
	sig := SignHMACSHA256(key, []byte("1700000000.{}"))
	if !VerifyHMACSHA256(key, []byte("1700000000.{}"), sig) {
		t.Fatal("expected signature to verify")
	}
	if VerifyHMACSHA256(key, []byte("tampered"), sig) {
		t.Fatal("expected signature to fail on tampered message")
	}
}
