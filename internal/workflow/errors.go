package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind 工作流引擎错误类型，对外适配层据此映射稳定的错误码
type ErrorKind string

const (
	KindInvalidGraph      ErrorKind = "INVALID_GRAPH"
	KindVersionConflict   ErrorKind = "VERSION_CONFLICT"
	KindDuplicateInstance ErrorKind = "DUPLICATE_INSTANCE"
	KindIllegalTransition ErrorKind = "ILLEGAL_TRANSITION"
	KindConditionNotMet   ErrorKind = "CONDITION_NOT_MET"
	KindForbidden         ErrorKind = "FORBIDDEN"
	KindStaleInstance     ErrorKind = "STALE_INSTANCE"
	KindAlreadyTerminal   ErrorKind = "ALREADY_TERMINAL"
	KindNotFound          ErrorKind = "NOT_FOUND"
)

// 与 errors.Is 配合使用的哨兵错误，按 Kind 匹配
var (
	ErrInvalidGraph      = &Error{Kind: KindInvalidGraph}
	ErrVersionConflict   = &Error{Kind: KindVersionConflict}
	ErrDuplicateInstance = &Error{Kind: KindDuplicateInstance}
	ErrIllegalTransition = &Error{Kind: KindIllegalTransition}
	ErrConditionNotMet   = &Error{Kind: KindConditionNotMet}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrStaleInstance     = &Error{Kind: KindStaleInstance}
	ErrAlreadyTerminal   = &Error{Kind: KindAlreadyTerminal}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// GraphIssue 模板图校验问题
type GraphIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error 工作流引擎错误
type Error struct {
	Kind    ErrorKind
	Message string
	Issues  []GraphIssue
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Issues) > 0 {
		parts := make([]string, 0, len(e.Issues))
		for _, issue := range e.Issues {
			parts = append(parts, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同类错误即视为匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 提取错误类型，非引擎错误返回空字符串
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable 并发冲突类错误，调用方重新读取后可重试
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindVersionConflict, KindStaleInstance:
		return true
	default:
		return false
	}
}
