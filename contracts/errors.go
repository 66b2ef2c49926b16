package contracts

import (
	"fmt"
)

// Error codes produced by responders
const (
	ErrorCodeHandlerFailure = "HANDLER_FAILURE"
	ErrorCodeHandlerPanic   = "HANDLER_PANIC"
	ErrorCodeInvalidRequest = "INVALID_REQUEST"
)

// ErrorDetail describes why a responder could not produce a payload
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorDetail creates a new error detail
func NewErrorDetail(code, message string) *ErrorDetail {
	if code == "" {
		code = ErrorCodeHandlerFailure
	}
	return &ErrorDetail{
		Code:    code,
		Message: message,
	}
}

// String formats the detail as "CODE: message"
func (e *ErrorDetail) String() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
