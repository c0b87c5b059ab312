package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/1cbyc/ecom-api/internal/apperr"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// Sign computes the signature the processor attaches to a payload. Exported
// for tests and local event simulators.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the header against the raw body in constant time.
// It runs before any parsing: an unauthenticated payload is never even
// decoded.
func VerifySignature(secret, payload []byte, header string) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", apperr.ErrAuthentication, SignatureHeader)
	}
	got, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", apperr.ErrAuthentication)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", apperr.ErrAuthentication)
	}
	return nil
}
