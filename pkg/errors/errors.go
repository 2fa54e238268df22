// Package errors 提供统一错误辅助与 Kernel 错误码，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// Code Kernel 错误码
type Code string

const (
	// CodeInitializationFailed 构造/Initialize 前置条件不满足或 Runtime 创建失败；也用于未运行时发送事件
	CodeInitializationFailed Code = "KERNEL_INITIALIZATION_FAILED"
	// CodeOperationTimeout 原子操作超时，或在错误状态下调用 pause/resume
	CodeOperationTimeout Code = "KERNEL_OPERATION_TIMEOUT"
	// CodeContextCorruption resume 时快照不存在或内容哈希不一致
	CodeContextCorruption Code = "KERNEL_CONTEXT_CORRUPTION"
	// CodeSnapshotUnserializable 上下文中存在无法序列化进快照的值
	CodeSnapshotUnserializable Code = "KERNEL_SNAPSHOT_UNSERIALIZABLE"
)

// KernelError 带错误码的 Kernel 错误
type KernelError struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *KernelError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Op, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *KernelError) Unwrap() error { return e.Err }

// New 创建 KernelError
func New(code Code, op, msg string) error {
	return &KernelError{Code: code, Op: op, Msg: msg}
}

// Newf 带格式的 New
func Newf(code Code, op, format string, args ...interface{}) error {
	return &KernelError{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WithCode 用错误码包装已有错误；err 为 nil 时返回 nil
func WithCode(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &KernelError{Code: code, Op: op, Err: err}
}

// CodeOf 取出错误链上第一个 KernelError 的错误码，无则返回空
func CodeOf(err error) Code {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// IsCode 判断错误链上是否带有指定错误码
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Is 透传标准库 errors.Is，便于调用方只引入本包
func Is(err, target error) bool { return errors.Is(err, target) }

// As 透传标准库 errors.As
func As(err error, target any) bool { return errors.As(err, target) }

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
