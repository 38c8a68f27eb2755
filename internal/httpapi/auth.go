package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyWebhookSignature checks the hex SHA-256 HMAC of the raw body against
// the signature header. An empty configured secret disables verification.
func verifyWebhookSignature(secret string, body []byte, signatureHeader string) *authError {
	if secret == "" {
		return nil
	}
	signature := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signatureHeader), "sha256="))
	if signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return &authError{status: 401, code: "unauthorized", message: "invalid webhook signature"}
	}
	return nil
}

// verifyAPIKey guards the admin surface. An empty configured key disables
// the check (development mode).
func verifyAPIKey(configured, presented string) *authError {
	if configured == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid api key"}
	}
	return nil
}
