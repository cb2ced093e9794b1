package pii

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a service failure so callers can branch without inspecting messages
type Kind int

const (
	KindValidation Kind = iota + 1
	KindInference
	KindNotReady
)

// EmptyInputMessage is returned for blank or whitespace-only text
const EmptyInputMessage = "Input text cannot be empty"

const (
	inferenceFailedMessage = "PII inference failed"
	notReadyMessage        = "Model is not ready"
)

// Sentinels for errors.Is
var (
	ErrValidation = errors.New("validation error")
	ErrInference  = errors.New("inference error")
	ErrNotReady   = errors.New("not ready")
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindInference:
		return "inference_error"
	case KindNotReady:
		return "not_ready"
	default:
		return "unknown"
	}
}

// StatusCode maps a kind to the HTTP status the transport should use
func (k Kind) StatusCode() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the tagged failure returned by Service.Detect and Service.Mask.
// Message is safe to show to clients; Err keeps the cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrInference:
		return e.Kind == KindInference
	case ErrNotReady:
		return e.Kind == KindNotReady
	}
	return false
}

// KindOf returns the kind of a service error, or KindInference for anything unclassified
func KindOf(err error) Kind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindInference
}

func newValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func newNotReadyError(cause error) *Error {
	return &Error{Kind: KindNotReady, Message: notReadyMessage, Err: cause}
}

// classifyInferenceError wraps any failure from the inference boundary.
// Errors that are already classified pass through untouched.
func classifyInferenceError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return &Error{Kind: KindInference, Message: inferenceFailedMessage, Err: err}
}
