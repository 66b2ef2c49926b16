package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Header keys set on envelopes by the engine
const (
	HeaderContentType = "x-content-type"
	HeaderRequestTime = "x-request-time"
)

// RequestEnvelope carries a request to a responder
type RequestEnvelope struct {
	CorrelationID string            `json:"correlationId"`
	ReplyTo       string            `json:"replyTo"`
	SentAt        time.Time         `json:"sentAt"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       []byte            `json:"payload"`
}

// ResponseEnvelope carries the answer to a request. Exactly one of Payload or
// Error is meaningful: a non-nil Error marks a handler failure.
type ResponseEnvelope struct {
	CorrelationID string            `json:"correlationId"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Error         *ErrorDetail      `json:"error,omitempty"`
}

// NewRequestEnvelope creates a request envelope stamped with the current time
func NewRequestEnvelope(correlationID, replyTo string, payload []byte, headers map[string]string) *RequestEnvelope {
	return &RequestEnvelope{
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
		SentAt:        time.Now().UTC(),
		Headers:       copyHeaders(headers),
		Payload:       payload,
	}
}

// NewResponse creates a successful response for the given request
func NewResponse(request *RequestEnvelope, payload []byte) *ResponseEnvelope {
	return &ResponseEnvelope{
		CorrelationID: request.CorrelationID,
		Headers:       copyHeaders(request.Headers),
		Payload:       payload,
	}
}

// NewErrorResponse creates a failed response for the given request
func NewErrorResponse(request *RequestEnvelope, code, message string) *ResponseEnvelope {
	return &ResponseEnvelope{
		CorrelationID: request.CorrelationID,
		Headers:       copyHeaders(request.Headers),
		Error:         NewErrorDetail(code, message),
	}
}

// IsError reports whether the response carries a handler failure
func (r *ResponseEnvelope) IsError() bool {
	return r.Error != nil
}

// Expired reports whether the request is older than timeout at now
func (r *RequestEnvelope) Expired(now time.Time, timeout time.Duration) bool {
	if r.SentAt.IsZero() || timeout <= 0 {
		return false
	}
	return r.SentAt.Add(timeout).Before(now)
}

// Validate checks the fields every request must carry
func (r *RequestEnvelope) Validate() error {
	if r == nil {
		return fmt.Errorf("request envelope cannot be nil")
	}
	if r.CorrelationID == "" {
		return fmt.Errorf("correlation ID is required")
	}
	if r.ReplyTo == "" {
		return fmt.Errorf("reply-to address is required")
	}
	return nil
}

// Validate checks the fields every response must carry
func (r *ResponseEnvelope) Validate() error {
	if r == nil {
		return fmt.Errorf("response envelope cannot be nil")
	}
	if r.CorrelationID == "" {
		return fmt.Errorf("correlation ID is required")
	}
	return nil
}

// Marshal encodes an envelope for byte-level transports
func Marshal[T any](envelope T) ([]byte, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}

// Unmarshal decodes an envelope produced by Marshal
func Unmarshal[T any](body []byte) (T, error) {
	var envelope T
	if err := json.Unmarshal(body, &envelope); err != nil {
		return envelope, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return envelope, nil
}

func copyHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
