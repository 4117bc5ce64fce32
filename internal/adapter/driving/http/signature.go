package httphandler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// verifySignature checks the X-Hub-Signature-256 header against the HMAC
// SHA-256 of the request body under the shared webhook secret.
func verifySignature(body []byte, secret, signature string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	signature, _ = strings.CutPrefix(signature, "sha256=")
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("webhook signature mismatch")
	}
	return nil
}
