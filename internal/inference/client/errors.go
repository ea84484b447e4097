package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrTimeout means the gateway did not answer within the configured timeout.
var ErrTimeout = errors.New("inference gateway timeout")

type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

func (e *HTTPError) Error() string {
	if e == nil {
		return "http error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if msg == "" {
		msg = "http error"
	}
	return fmt.Sprintf("http error: status=%d message=%s", e.StatusCode, msg)
}

// InferenceError is any failed gateway exchange other than a timeout: a
// transport error, a non-2xx status, or a body that is not a valid result.
type InferenceError struct {
	JobID string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed for job %s: %v", e.JobID, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// IsFailure reports whether err came from the gateway, as opposed to the
// caller's own context ending.
func IsFailure(err error) bool {
	var ie *InferenceError
	return errors.Is(err, ErrTimeout) || errors.As(err, &ie)
}

func parseHTTPError(status int, raw []byte) error {
	body := strings.TrimSpace(string(raw))

	// The gateway answers errors as {"error": "..."} or {"error": {"message": "..."}}.
	var flat struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && strings.TrimSpace(flat.Error) != "" {
		return &HTTPError{StatusCode: status, Message: strings.TrimSpace(flat.Error), Body: body}
	}
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && strings.TrimSpace(env.Error.Message) != "" {
		return &HTTPError{StatusCode: status, Message: strings.TrimSpace(env.Error.Message), Body: body}
	}
	return &HTTPError{StatusCode: status, Body: body}
}
