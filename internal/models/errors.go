package models

import (
	"context"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Structured pipeline error taxonomy. Every error that reaches the worker
// loop carries a stable machine-readable code and the phase it failed in;
// anything unclassified is force-wrapped as UNKNOWN with the original
// message preserved.
// ---------------------------------------------------------------------------

type ErrorCode string

const (
	ErrCodeTTSFailure        ErrorCode = "TTS_FAILURE"
	ErrCodeRenderFailure     ErrorCode = "RENDER_FAILURE"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeUnknown           ErrorCode = "UNKNOWN"
)

// ErrCancelled signals cooperative cancellation. It is not part of the error
// taxonomy: cancellation is a distinct terminal state, never a failure.
var ErrCancelled = errors.New("job cancelled")

// ErrSummaryVersion is returned when a persisted JobSummary was written with
// an unknown schema version. Callers treat it as "no usable summary", not as
// a crash.
var ErrSummaryVersion = errors.New("unsupported job summary schema version")

type PipelineError struct {
	Code    ErrorCode              `json:"code"`
	Phase   string                 `json:"phase"`
	Message string                 `json:"message"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
	Err     error                  `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Phase, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s]: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// WithMeta attaches stage-specific context to the error.
func (e *PipelineError) WithMeta(key string, value interface{}) *PipelineError {
	if e.Meta == nil {
		e.Meta = make(map[string]interface{})
	}
	e.Meta[key] = value
	return e
}

// NewPipelineError creates a classified error for a given phase.
func NewPipelineError(code ErrorCode, phase, message string) *PipelineError {
	return &PipelineError{Code: code, Phase: phase, Message: message}
}

// WrapPipelineError classifies an underlying error, preserving it for Unwrap.
func WrapPipelineError(err error, code ErrorCode, phase, message string) *PipelineError {
	if err == nil {
		return nil
	}
	return &PipelineError{
		Code:    code,
		Phase:   phase,
		Message: fmt.Sprintf("%s: %v", message, err),
		Err:     err,
	}
}

// ClassifyError guarantees a structured error: an existing *PipelineError
// passes through, a context deadline becomes TIMEOUT, anything else becomes
// UNKNOWN with the original message preserved.
func ClassifyError(err error, phase string) *PipelineError {
	if err == nil {
		return nil
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &PipelineError{
			Code:    ErrCodeTimeout,
			Phase:   phase,
			Message: err.Error(),
			Err:     err,
		}
	}

	return &PipelineError{
		Code:    ErrCodeUnknown,
		Phase:   phase,
		Message: err.Error(),
		Err:     err,
	}
}
