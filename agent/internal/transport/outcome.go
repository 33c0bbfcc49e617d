package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Class is the delivery-relevant category of a request result.
type Class int

const (
	Accepted Class = iota
	AuthInvalid
	PayloadRejected
	PayloadTooLarge
	ServerUnavailable
	NetworkFailure
)

func (c Class) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case AuthInvalid:
		return "auth_invalid"
	case PayloadRejected:
		return "payload_rejected"
	case PayloadTooLarge:
		return "payload_too_large"
	case ServerUnavailable:
		return "server_unavailable"
	case NetworkFailure:
		return "network_failure"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Transient reports whether a retry later is expected to succeed.
func (c Class) Transient() bool {
	return c == ServerUnavailable || c == NetworkFailure
}

// Outcome is the classified result of one Send.
type Outcome struct {
	Class Class

	// StatusCode is the HTTP status, or 0 for NetworkFailure and for
	// AuthInvalid raised before a request was made.
	StatusCode int

	// Body is the raw response body (truncated at maxResponseBytes).
	Body []byte

	// Summary is the server's context_summary field on Accepted
	// screenshot responses, passed through uninterpreted.
	Summary string

	// Diagnostic is a human-readable explanation for non-Accepted outcomes.
	Diagnostic string

	// Err is the underlying error for NetworkFailure and credential failures.
	Err error
}

// acceptedBody is the subset of a 2xx response the agent surfaces.
type acceptedBody struct {
	Status         string `json:"status"`
	ContextSummary string `json:"context_summary"`
}

// classify maps an HTTP status and body to an Outcome.
func classify(status int, body []byte) Outcome {
	out := Outcome{StatusCode: status, Body: body}
	switch {
	case status >= 200 && status < 300:
		out.Class = Accepted
		var ab acceptedBody
		if json.Unmarshal(body, &ab) == nil {
			out.Summary = ab.ContextSummary
		}
	case status == http.StatusUnauthorized:
		out.Class = AuthInvalid
		out.Diagnostic = diagnostic(status, body)
	case status == http.StatusRequestEntityTooLarge:
		out.Class = PayloadTooLarge
		out.Diagnostic = diagnostic(status, body)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		out.Class = ServerUnavailable
		out.Diagnostic = diagnostic(status, body)
	default:
		out.Class = PayloadRejected
		out.Diagnostic = diagnostic(status, body)
	}
	return out
}

// diagnostic extracts the server's explanation from a JSON error body
// ({"message"}, {"detail"} or {"error"}), falling back to the raw text.
func diagnostic(status int, body []byte) string {
	var eb struct {
		Message string `json:"message"`
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Message != "":
			return eb.Message
		case eb.Detail != nil:
			if s, ok := eb.Detail.(string); ok {
				return s
			}
			if b, err := json.Marshal(eb.Detail); err == nil {
				return string(b)
			}
		case eb.Error != "":
			return eb.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
}
