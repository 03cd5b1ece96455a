package errors

import (
	"fmt"
	"time"
)

// ErrorType classifies execution errors.
type ErrorType int

const (
	// ErrUnreachable means the target qube could not be reached over qrexec.
	ErrUnreachable ErrorType = iota
	// ErrFailed means a module or delegated play failed on the target.
	ErrFailed
	// ErrTimeout means an operation did not finish in time.
	ErrTimeout
	// ErrParse means an inventory, playbook or role file could not be parsed.
	ErrParse
	// ErrInvalidArgs means module parameters failed validation.
	ErrInvalidArgs
	// ErrModuleNotFound means the requested module is not implemented.
	ErrModuleNotFound
	// ErrAdminAPI means the qubesd Admin API rejected or failed a call.
	ErrAdminAPI
	// ErrUnsafeStrategy means the qubes connection was selected without the
	// proxy strategy, which would run untrusted automation in dom0.
	ErrUnsafeStrategy
	// ErrPolicy means an RPC policy file could not be installed or removed.
	ErrPolicy
)

// ExecutionError is the error type surfaced by runners and the proxy.
type ExecutionError struct {
	Type      ErrorType
	Host      string
	Task      string
	Module    string
	Message   string
	Cause     error
	Retriable bool
	Details   map[string]interface{}
}

func (e *ExecutionError) Error() string {
	if e.Host != "" && e.Task != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Host, e.Task, e.Message)
	}
	if e.Host != "" {
		return fmt.Sprintf("[%s] %s", e.Host, e.Message)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// NewUnreachableError reports a qube that could not be contacted.
func NewUnreachableError(host string, cause error) *ExecutionError {
	return &ExecutionError{
		Type:      ErrUnreachable,
		Host:      host,
		Message:   fmt.Sprintf("Failed to connect to host: %v", cause),
		Cause:     cause,
		Retriable: true,
	}
}

// NewModuleFailedError reports a failed module invocation.
func NewModuleFailedError(host, task, module, msg string) *ExecutionError {
	return &ExecutionError{
		Type:      ErrFailed,
		Host:      host,
		Task:      task,
		Module:    module,
		Message:   msg,
		Retriable: false,
	}
}

// NewTimeoutError reports an operation that exceeded its deadline.
func NewTimeoutError(host, task string, duration time.Duration) *ExecutionError {
	return &ExecutionError{
		Type:      ErrTimeout,
		Host:      host,
		Task:      task,
		Message:   fmt.Sprintf("Task timeout after %v", duration),
		Retriable: true,
	}
}

// NewParseError reports an unparsable input file.
func NewParseError(filePath string, cause error) *ExecutionError {
	return &ExecutionError{
		Type:      ErrParse,
		Message:   fmt.Sprintf("Failed to parse %s: %v", filePath, cause),
		Cause:     cause,
		Retriable: false,
	}
}

// NewAdminAPIError reports a failed qubesd call.
func NewAdminAPIError(method, dest string, cause error) *ExecutionError {
	return &ExecutionError{
		Type:    ErrAdminAPI,
		Host:    dest,
		Message: fmt.Sprintf("Admin API call %s failed: %v", method, cause),
		Cause:   cause,
	}
}

// NewUnsafeStrategyError reports a play that selected the qubes connection
// without routing execution through the proxy strategy.
func NewUnsafeStrategyError(host string) *ExecutionError {
	return &ExecutionError{
		Type: ErrUnsafeStrategy,
		Host: host,
		Message: `Using "qubes" connection without "qubes_proxy" strategy ` +
			"is considered insecure and may lead to dom0 compromise",
	}
}

// NewPolicyError reports a policy file manipulation failure.
func NewPolicyError(path string, cause error) *ExecutionError {
	return &ExecutionError{
		Type:    ErrPolicy,
		Message: fmt.Sprintf("RPC policy update of %s failed: %v", path, cause),
		Cause:   cause,
	}
}
