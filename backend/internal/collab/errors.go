package collab

import (
	"errors"
	"fmt"
)

// 错误分类，调用方用 errors.Is 判断类别，用 errors.As 取细节
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrTransientInfra    = errors.New("transient infrastructure failure")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrProjectionStalled = errors.New("projection stalled")
	ErrRelayClosed       = errors.New("relay closed")
)

// ValidationError 请求本身有问题，重试也不会成功；不影响连接
type ValidationError struct {
	Field  string
	Reason string
	Err    error // 可选，例如 broker 拒收的原因
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
func (e *ValidationError) Unwrap() error        { return e.Err }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	DocumentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.DocumentID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransientInfraError 重试耗尽后交给发起方
type TransientInfraError struct {
	Op       string // admit / enqueue / produce
	Attempts int
	Err      error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientInfraError) Is(target error) bool { return target == ErrTransientInfra }
func (e *TransientInfraError) Unwrap() error        { return e.Err }

// MalformedMessageError 只记录并跳过，不会发给客户端
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Is(target error) bool { return target == ErrMalformedMessage }
func (e *MalformedMessageError) Unwrap() error        { return e.Err }
