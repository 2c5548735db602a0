package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies pipeline failures. Values are part of the wire format.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindInvocation ErrorKind = "invocation"
	KindResolution ErrorKind = "resolution"
	KindNotFound   ErrorKind = "not_found"
	KindInternal   ErrorKind = "internal"
)

// ErrorCode refines a validation failure.
type ErrorCode string

const (
	CodeMissingFile       ErrorCode = "missing_file"
	CodeUnsupportedType   ErrorCode = "unsupported_type"
	CodeTooLarge          ErrorCode = "too_large"
	CodeInvalidName       ErrorCode = "invalid_name"
	CodeInvalidConfidence ErrorCode = "invalid_confidence"
	CodeModelNotFound     ErrorCode = "model_not_found"
	CodeTimeout           ErrorCode = "timeout"
)

type Error struct {
	Kind ErrorKind
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func ValidationError(code ErrorCode, format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func InvocationError(code ErrorCode, err error, format string, args ...any) error {
	return &Error{Kind: KindInvocation, Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

func ResolutionError(err error, format string, args ...any) error {
	return &Error{Kind: KindResolution, Msg: fmt.Sprintf(format, args...), Err: err}
}

func NotFoundError(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func InternalError(err error, format string, args ...any) error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err; errors outside the taxonomy are internal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err to the status a handler should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		switch CodeOf(err) {
		case CodeTooLarge:
			return http.StatusRequestEntityTooLarge
		case CodeUnsupportedType:
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvocation:
		if CodeOf(err) == CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindResolution:
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// PublicMessage hides internal error detail from callers.
func PublicMessage(err error) string {
	if KindOf(err) == KindInternal {
		return "internal error"
	}
	return err.Error()
}
