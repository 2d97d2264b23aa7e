package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// =============================================================================
// ERROR TAXONOMY
// Every failure that crosses the runtime/caller boundary is an *Error with a
// code from the closed set below. Callers switch on Code, never on Message.
// =============================================================================

const (
	CodeResourceNotFound = "CONNECTOR::OPERATION::RESOURCE_NOT_FOUND"
	CodeBadRequest       = "CONNECTOR::OPERATION::BAD_REQUEST"
	CodeUnauthorized     = "CONNECTOR::OPERATION::UNAUTHORIZED"
	CodeForbidden        = "CONNECTOR::OPERATION::FORBIDDEN"
	CodeRateLimited      = "CONNECTOR::OPERATION::RATE_LIMITED"
	CodeUpstreamError    = "CONNECTOR::OPERATION::UPSTREAM_ERROR"
	CodeGatewayTimeout   = "CONNECTOR::OPERATION::GATEWAY_TIMEOUT"
	CodeFieldNotWritable = "CONNECTOR::OPERATION::FIELD_NOT_WRITABLE"
	CodeNotSupported     = "CONNECTOR::OPERATION::NOT_SUPPORTED"
	CodeMapperFailed     = "CONNECTOR::MAPPER_FAILED"

	CodeAuthExpired        = "CONNECTOR::AUTH::EXPIRED"
	CodeAuthRevoked        = "CONNECTOR::AUTH::REVOKED"
	CodeAuthNotAuthorized  = "CONNECTOR::AUTH::NOT_AUTHORIZED"
	CodeAuthExchangeFailed = "CONNECTOR::AUTH::EXCHANGE_FAILED"
	CodeAuthInvalidState   = "CONNECTOR::AUTH::INVALID_STATE"

	CodeWebhookValidationFailed     = "CONNECTOR::WEBHOOK::VALIDATION_FAILED"
	CodeWebhookMapperFailed         = "CONNECTOR::WEBHOOK::MAPPER_FAILED"
	CodeWebhookIdentificationFailed = "CONNECTOR::WEBHOOK::IDENTIFICATION_FAILED"
	CodeWebhooksNotSupported        = "CONNECTOR::WEBHOOKS_NOT_SUPPORTED"

	CodeBadConfiguration  = "CONNECTOR::BAD_CONFIGURATION"
	CodeConnectorNotFound = "CONNECTOR::NOT_FOUND"

	CodeConnectionAlreadyExists = "CONNECTION::ALREADY_EXISTS"
	CodeConnectionNotFound      = "CONNECTION::NOT_FOUND"
	CodeVersionConflict         = "CONNECTION::VERSION_CONFLICT"
)

// Error is the structured error value returned by every runtime component.
type Error struct {
	Code    string
	Message string

	// Status is the upstream HTTP status when the error came from a proxy call.
	Status int

	// Body is the upstream error body, byte-for-byte.
	Body []byte

	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds an error with the given code.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable(code)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err, Retryable: retryable(code)}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// AsError returns err as *Error, classifying unknown errors as upstream failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if IsTimeout(err) {
		return Wrap(CodeGatewayTimeout, err, "upstream call timed out")
	}
	return Wrap(CodeUpstreamError, err, "unexpected failure")
}

// FromHTTPStatus classifies a non-2xx upstream response. The body is kept as-is.
func FromHTTPStatus(status int, body []byte) *Error {
	code := CodeUpstreamError
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		code = CodeResourceNotFound
	case status == http.StatusUnauthorized:
		code = CodeUnauthorized
	case status == http.StatusForbidden:
		code = CodeForbidden
	case status == http.StatusTooManyRequests:
		code = CodeRateLimited
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		code = CodeGatewayTimeout
	case status >= 400 && status < 500:
		code = CodeBadRequest
	}
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf("upstream responded HTTP %d", status),
		Status:    status,
		Body:      body,
		Retryable: retryable(code),
	}
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HTTPStatus maps a code to the status the gateway answers with.
func HTTPStatus(code string) int {
	switch code {
	case CodeResourceNotFound, CodeConnectionNotFound, CodeConnectorNotFound:
		return http.StatusNotFound
	case CodeBadRequest, CodeFieldNotWritable, CodeWebhookIdentificationFailed, CodeWebhookMapperFailed, CodeMapperFailed:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeAuthExpired, CodeAuthRevoked, CodeAuthNotAuthorized, CodeWebhookValidationFailed, CodeAuthInvalidState:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeGatewayTimeout:
		return http.StatusGatewayTimeout
	case CodeNotSupported, CodeWebhooksNotSupported:
		return http.StatusNotImplemented
	case CodeConnectionAlreadyExists, CodeVersionConflict:
		return http.StatusConflict
	case CodeBadConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func retryable(code string) bool {
	switch code {
	case CodeRateLimited, CodeUpstreamError, CodeGatewayTimeout:
		return true
	}
	return false
}
