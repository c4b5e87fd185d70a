package webhook

import (
	"testing"
)

func TestSign(t *testing.T) {
	secret := "secret"
	payload := []byte("payload")

	// Calculated using: echo -n "payload" | openssl dgst -sha256 -hmac "secret"
	expected := "b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4"

	got := Sign(secret, payload)
	if got != expected {
		t.Errorf("Sign() = %v, want %v", got, expected)
	}
	if !Verify(secret, payload, got) {
		t.Error("Verify should accept a signature it produced")
	}
	if Verify(secret, []byte("tampered"), got) {
		t.Error("Verify must reject a tampered payload")
	}
}

func TestSignEmptySecret(t *testing.T) {
	got := Sign("", []byte("payload"))
	if got != "" {
		t.Errorf("Sign with empty secret = %q, want empty", got)
	}
	if Verify("", []byte("payload"), got) {
		t.Error("empty-secret signature must never validate")
	}
	if Verify("secret", []byte("payload"), "") {
		t.Error("empty signature must never validate")
	}
}
