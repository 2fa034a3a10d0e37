// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"
	CodeSystemBusy     Code = "SYSTEM_BUSY"

	// 熔断
	CodeCircuitOpen Code = "CIRCUIT_OPEN"

	// Saga 事务
	CodeSagaNotFound     Code = "SAGA_NOT_FOUND"
	CodeSagaConflict     Code = "SAGA_CONFLICT"
	CodeSagaInvalidSteps Code = "SAGA_INVALID_STEPS"

	// 补偿计划
	CodePlanNotFound Code = "PLAN_NOT_FOUND"
	CodePlanSealed   Code = "PLAN_SEALED"

	// 远程服务
	CodeRemoteFailure  Code = "REMOTE_FAILURE"
	CodeRemoteRejected Code = "REMOTE_REJECTED"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装底层错误，保留错误码语义
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error())
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// CodeOf returns the code carried by err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if typed, ok := err.(*Error); ok {
		return typed.Code
	}
	return CodeUnknown
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeSystemBusy, CodeRemoteFailure:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeSagaInvalidSteps:
		return http.StatusBadRequest
	case CodeNotFound, CodeSagaNotFound, CodePlanNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeSagaConflict, CodePlanSealed:
		return http.StatusConflict
	case CodeCircuitOpen, CodeUnavailable, CodeSystemBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRemoteRejected:
		return http.StatusBadGateway
	case CodeInternal, CodeUnknown, CodeRemoteFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound     = New(CodeNotFound, "not found")
	ErrSagaNotFound = New(CodeSagaNotFound, "saga not found")
	ErrPlanNotFound = New(CodePlanNotFound, "compensation plan not found")
	ErrSystemBusy   = New(CodeSystemBusy, "system busy, please retry")
)
