package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Provider callbacks are authenticated with HMAC-SHA256 over a canonical
// string defined per provider. The helpers here compute and compare the
// hex digests; comparisons are constant-time.

// SignFields computes the hex HMAC-SHA256 of the concatenated fields.
func SignFields(secret string, fields ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, f := range fields {
		mac.Write([]byte(f))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBody computes the hex HMAC-SHA256 of a raw body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares a presented hex signature against the expected
// one, case-insensitively on the hex encoding.
func VerifySignature(presented, expected string) bool {
	return hmac.Equal(
		[]byte(strings.ToLower(presented)),
		[]byte(strings.ToLower(expected)),
	)
}
