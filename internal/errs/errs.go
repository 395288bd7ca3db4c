// Package errs defines the error taxonomy this tool classifies failures
// into, following the teacher's small typed-sentinel style
// (credentials/errors/errors.go) and the original Rust implementation's
// two named error kinds (error.rs).
package errs

import "fmt"

// RuleExecutionFailed is returned by the batch driver iff at least one rule
// failed during a run. It carries no data: the per-rule failures are already
// logged individually as they occur.
var RuleExecutionFailed = fmt.Errorf("some rules failed to run")

// ConfigError wraps a fatal configuration problem (missing environment
// variable, unparseable URL, unreadable CA bundle). It aborts the batch
// before any rule is processed.
type ConfigError struct {
	Msg string
	Err error
}

func NewConfigError(msg string, err error) *ConfigError {
	return &ConfigError{Msg: msg, Err: err}
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %s", e.Msg, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransientError wraps a remote failure that the outer scheduler may expect
// to resolve on retry (network failure, timeout, 429, 5xx). It fails only the
// current rule.
type TransientError struct {
	Op  string
	Err error
}

func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %s", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// SemanticError wraps a remote failure that is not expected to resolve on
// retry without operator intervention (4xx other than 429 or a recovered
// 404, path not found, permission denied). It fails only the current rule.
type SemanticError struct {
	Op  string
	Err error
}

func NewSemanticError(op string, err error) *SemanticError {
	return &SemanticError{Op: op, Err: err}
}

func (e *SemanticError) Error() string {
	return fmt.Sprintf("semantic error during %s: %s", e.Op, e.Err)
}

func (e *SemanticError) Unwrap() error { return e.Err }

// UnsupportedRolloutKindError is returned when a rule names a rollout
// target whose kind is none of Deployment, DaemonSet, or StatefulSet. It is
// a user misconfiguration and fails only the current rule.
type UnsupportedRolloutKindError struct {
	Kind string
}

func (e *UnsupportedRolloutKindError) Error() string {
	return fmt.Sprintf("unsupported kind %q for rollout restart", e.Kind)
}
