// Package deployerr defines the error taxonomy of the deployment pipeline.
//
// Admission-time errors (ValidationError, NotFoundError, ConflictError) are
// returned synchronously to the caller that enqueues a deployment. Errors
// raised inside the workflow are wrapped in a StepExecutionError that names
// the failing step; the sandbox layer produces SandboxProvisioningError and
// CommandExecutionError; a FAILED status that could not be written even by
// the fallback path is a StatusPersistenceError.
//
// All types work with errors.Is and errors.As:
//
//	var stepErr *deployerr.StepExecutionError
//	if errors.As(err, &stepErr) { ... stepErr.Step ... }
//
//	if errors.Is(err, deployerr.ErrQuotaExceeded) { ... }
package deployerr

import (
	"errors"
	"fmt"
)

// Severity orders errors by how urgently an operator must look at them.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Sentinel errors matched through errors.Is.
var (
	ErrMissingParam       = errors.New("missing required parameter")
	ErrMissingCredentials = errors.New("missing platform credentials")
	ErrQuotaExceeded      = errors.New("deployment quota exceeded")
	ErrProjectInactive    = errors.New("project is not active")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
)

// ValidationError is raised for invalid input before any work is done.
type ValidationError struct {
	Kind    error
	Message string
}

func NewValidationError(kind error, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "validation: " + e.Kind.Error()
	}
	return "validation: " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports that a deployment is already in flight.
type ConflictError struct {
	ProjectID string
	Status    string
}

func NewConflictError(projectID, status string) *ConflictError {
	return &ConflictError{ProjectID: projectID, Status: status}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("project %s already has a deployment in progress (status %s)", e.ProjectID, e.Status)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StepExecutionError wraps whatever a workflow step returned.
type StepExecutionError struct {
	Step string
	Err  error
}

func NewStepExecutionError(step string, err error) *StepExecutionError {
	return &StepExecutionError{Step: step, Err: err}
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// SandboxProvisioningError is returned when the provider cannot create or
// attach to a sandbox.
type SandboxProvisioningError struct {
	Op  string
	Err error
}

func NewSandboxProvisioningError(op string, err error) *SandboxProvisioningError {
	return &SandboxProvisioningError{Op: op, Err: err}
}

func (e *SandboxProvisioningError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *SandboxProvisioningError) Unwrap() error { return e.Err }

// CommandExecutionError is returned for a command that exited non-zero.
type CommandExecutionError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func NewCommandExecutionError(command string, exitCode int, stderr string) *CommandExecutionError {
	return &CommandExecutionError{Command: command, ExitCode: exitCode, Stderr: stderr}
}

func (e *CommandExecutionError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + truncate(e.Stderr, 512)
	}
	return msg
}

// StatusPersistenceError means both the primary and the fallback status
// writes failed.
type StatusPersistenceError struct {
	ProjectID string
	Primary   error
	Fallback  error
}

func (e *StatusPersistenceError) Error() string {
	return fmt.Sprintf("persist status for project %s: primary: %v; fallback: %v", e.ProjectID, e.Primary, e.Fallback)
}

func (e *StatusPersistenceError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// QueueError is returned when the transport rejects an operation.
type QueueError struct {
	Op  string
	Err error
}

func NewQueueError(op string, err error) *QueueError {
	return &QueueError{Op: op, Err: err}
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// SeverityOf classifies an error for logging.
func SeverityOf(err error) Severity {
	var persistErr *StatusPersistenceError
	if errors.As(err, &persistErr) {
		return SeverityCritical
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return SeverityWarning
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return SeverityWarning
	}
	return SeverityError
}

// IsRetryable reports whether redelivering the message could succeed.
// Validation failures and missing projects will fail the same way again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	return !errors.Is(err, ErrNotFound)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
