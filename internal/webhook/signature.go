package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const signatureHeader = "X-Hub-Signature-256"

// verifySignature checks body's HMAC-SHA-256 under secret against the
// sha256=<hex> value of the given header, in constant time. An empty header
// value is treated as a missing header.
func verifySignature(secret, headerValue string, body []byte) error {
	if headerValue == "" {
		return errMissingSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(headerValue)) {
		return errSignatureMismatch
	}
	return nil
}
