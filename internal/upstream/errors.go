package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// ErrNoBrokerData marks a broker summary with no buy-side brokers. It is a
// skip condition for the ticker, not an upstream fault.
var ErrNoBrokerData = errors.New("no broker data")

// StatusError is a non-2xx response from the trading API.
type StatusError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (%d): %s", e.Endpoint, e.Status, e.Message)
}

// ShapeError is a response whose JSON is malformed or lacks required fields.
type ShapeError struct {
	Endpoint string
	Err      error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s response shape: %v", e.Endpoint, e.Err)
}

func (e *ShapeError) Unwrap() error { return e.Err }

func shapeErrorf(endpoint, format string, args ...any) error {
	return &ShapeError{Endpoint: endpoint, Err: fmt.Errorf(format, args...)}
}

type errorResponse struct {
	Message     string `json:"message"`
	Error       string `json:"error"`
	Description string `json:"description"`
}

func newStatusError(endpoint string, status int, payload []byte) error {
	msg := ""
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Message != "":
			msg = apiErr.Message
		case apiErr.Description != "":
			msg = apiErr.Description
		case apiErr.Error != "":
			msg = apiErr.Error
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
	}
	msg = truncateUTF8(msg, maxErrorMessageBytes)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &StatusError{Endpoint: endpoint, Status: status, Message: msg}
}

const maxErrorMessageBytes = 256

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
