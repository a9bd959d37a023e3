package crm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend %d: %s", e.Status, e.Message)
}

// ErrNotAccepted is returned when a send completes with 2xx but the
// backend declined to queue the message.
var ErrNotAccepted = errors.New("send not accepted")

// falseNegativeBody is the one error body empirically known to co-occur
// with a send that actually went through. See IsFalseNegativeSend.
const falseNegativeBody = "Failed to send SMS"

// IsFalseNegativeSend reports whether err matches the documented backend
// response that reports failure for a successful send: status 500 with
// the exact body "Failed to send SMS". Callers treat a match as success.
// The check must stay exactly this narrow; do not widen it to other
// codes or bodies, and delete it wholesale once the backend is fixed.
func IsFalseNegativeSend(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusInternalServerError && apiErr.Message == falseNegativeBody
}

// newAPIError builds an APIError from a response body, unwrapping the
// backend's {"error": "..."} / {"message": "..."} envelopes when present.
func newAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error != "" {
			msg = envelope.Error
		} else if envelope.Message != "" {
			msg = envelope.Message
		}
	}
	return &APIError{Status: status, Message: msg}
}
