package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog/log"
)

// Sign computes the hex-encoded HMAC-SHA256 of the raw payload bytes.
// An empty secret yields an empty signature: it can never verify, so an
// unconfigured endpoint degrades to unverifiable instead of crashing the
// dispatcher.
func Sign(secret string, payload []byte) string {
	if secret == "" {
		log.Warn().Msg("webhook endpoint has no secret, sending unverifiable signature")
		return ""
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature and compares in constant time. Receivers
// should do the equivalent on their side.
func Verify(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
