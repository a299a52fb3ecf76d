package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/sbfxfxai/tiltvault-bridge/internal/domain"
)

// WebhookVerifier checks the HMAC-SHA256 signature the payment processor
// attaches to each webhook delivery. The processor signs
// notificationURL+body with the shared signature key and sends the digest
// base64-encoded in a request header.
type WebhookVerifier struct {
	key             []byte
	notificationURL string
}

// NewWebhookVerifier creates a verifier for the given signature key. When
// notificationURL is empty only the raw body is signed.
func NewWebhookVerifier(signatureKey, notificationURL string) *WebhookVerifier {
	return &WebhookVerifier{
		key:             []byte(signatureKey),
		notificationURL: notificationURL,
	}
}

// Sign returns the base64 signature for body. Used by tests and by operators
// replaying a stored payload.
func (v *WebhookVerifier) Sign(body []byte) string {
	return hmacSHA256Base64(v.key, v.notificationURL+string(body))
}

// Verify checks signature against body in constant time. Every failure wraps
// domain.ErrAuthentication.
func (v *WebhookVerifier) Verify(body []byte, signature string) error {
	if len(v.key) == 0 {
		return fmt.Errorf("crypto: webhook signature key not configured: %w", domain.ErrAuthentication)
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("crypto: missing webhook signature: %w", domain.ErrAuthentication)
	}

	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("crypto: webhook signature is not base64: %w", domain.ErrAuthentication)
	}

	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(v.notificationURL))
	mac.Write(body)

	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("crypto: webhook signature mismatch: %w", domain.ErrAuthentication)
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
