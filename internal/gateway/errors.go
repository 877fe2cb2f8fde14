package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoSigner is returned when an on-chain operation is attempted without a
// configured Signer.
var ErrNoSigner = errors.New("no signer configured, cannot sign on-chain transactions")

// Error is a gateway request failure. Message carries only the sanitized
// server-supplied error text, never the raw response body.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway request failed (%d): %s", e.StatusCode, e.Message)
}

// sanitizeErrorBody extracts a safe message from a JSON error body. Error
// payloads may echo request content, including secrets, so the raw body is
// never surfaced.
func sanitizeErrorBody(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return "Request failed"
}
