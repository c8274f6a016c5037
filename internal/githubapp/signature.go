package githubapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature checks the X-Hub-Signature-256 header against the payload
// using constant-time comparison. Returns false on any malformation: missing
// prefix, odd-length hex, wrong digest size.
func VerifySignature(payload []byte, headerValue, secret string) bool {
	if secret == "" || headerValue == "" {
		return false
	}
	if !strings.HasPrefix(headerValue, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(headerValue, signaturePrefix))
	if err != nil || len(got) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := mac.Sum(nil)

	return hmac.Equal(got, want)
}

// SignPayload computes the header value for a payload; used by tests and the
// redelivery tool.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
