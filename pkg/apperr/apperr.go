package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// 错误码
const (
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeValidation           = "VALIDATION_ERROR"
	CodeTransportUnavailable = "TRANSPORT_UNAVAILABLE"
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL"
)

// 哨兵错误，配合 errors.Is 按错误码匹配
var (
	ErrForbidden            = &AppError{Code: CodeForbidden, Status: http.StatusForbidden}
	ErrNotFound             = &AppError{Code: CodeNotFound, Status: http.StatusNotFound}
	ErrValidation           = &AppError{Code: CodeValidation, Status: http.StatusBadRequest}
	ErrTransportUnavailable = &AppError{Code: CodeTransportUnavailable, Status: http.StatusServiceUnavailable}
	ErrUnauthenticated      = &AppError{Code: CodeUnauthenticated, Status: http.StatusUnauthorized}
	ErrRateLimited          = &AppError{Code: CodeRateLimited, Status: http.StatusTooManyRequests}
	ErrInternal             = &AppError{Code: CodeInternal, Status: http.StatusInternalServerError}
)

// AppError 业务错误
type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 错误码相同即视为同一类错误
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func Forbidden(message string) *AppError {
	return &AppError{Code: CodeForbidden, Message: message, Status: http.StatusForbidden}
}

func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
		Err:     err,
	}
}

func Validation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message, Status: http.StatusBadRequest}
}

func TransportUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:    CodeTransportUnavailable,
		Message: message,
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}

func Unauthenticated(message string, err error) *AppError {
	return &AppError{
		Code:    CodeUnauthenticated,
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     err,
	}
}

func RateLimited(message string) *AppError {
	return &AppError{Code: CodeRateLimited, Message: message, Status: http.StatusTooManyRequests}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// As 提取错误链中的 AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// FromCode 按错误码还原 AppError（客户端解析响应时使用）
func FromCode(code string, message string) *AppError {
	switch code {
	case CodeForbidden:
		return Forbidden(message)
	case CodeNotFound:
		return &AppError{Code: CodeNotFound, Message: message, Status: http.StatusNotFound}
	case CodeValidation:
		return Validation(message)
	case CodeTransportUnavailable:
		return TransportUnavailable(message, nil)
	case CodeUnauthenticated:
		return Unauthenticated(message, nil)
	case CodeRateLimited:
		return RateLimited(message)
	default:
		return Internal(message, nil)
	}
}
