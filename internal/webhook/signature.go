package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, formatted as
// "sha256=<hex>". The older SHA-1 "X-Hub-Signature" header is not accepted.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature reports whether candidateHex is the hex-encoded
// HMAC-SHA256 of body keyed by secret. Malformed hex is a mismatch.
func VerifySignature(candidateHex string, body []byte, secret string) bool {
	candidate, err := hex.DecodeString(candidateHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	// Constant-time comparison
	return hmac.Equal(mac.Sum(nil), candidate)
}

// parseSignatureHeader returns the digest of an "algorithm=hex" header
// value: the text between the first and second "=". Anything after a second
// "=" is ignored and the algorithm name itself is not checked.
func parseSignatureHeader(value string) (string, bool) {
	_, rest, ok := strings.Cut(value, "=")
	if !ok {
		return "", false
	}
	digest, _, _ := strings.Cut(rest, "=")
	return digest, true
}
