// Package errors defines the structured error taxonomy shared by the
// segmentation stages.
package errors

import (
	"fmt"
)

// ErrorCode identifies the class of a segmentation failure.
type ErrorCode string

const (
	// ErrorInvalidShape covers empty volumes, zero extents and slices
	// that cannot be stacked or combined because their shapes differ.
	ErrorInvalidShape ErrorCode = "INVALID_SHAPE"

	// ErrorInsufficientRegions is raised when a stage needs at least one
	// connected component and found none.
	ErrorInsufficientRegions ErrorCode = "INSUFFICIENT_REGIONS"

	// ErrorLabelingFailure is raised when the labeler receives a mask
	// holding values other than 0 and 1.
	ErrorLabelingFailure ErrorCode = "LABELING_FAILURE"
)

// Sentinels for errors.Is. A *SegmentationError matches the sentinel
// carrying the same code.
var (
	ErrInvalidShape        = &SegmentationError{Code: ErrorInvalidShape, Message: "invalid shape"}
	ErrInsufficientRegions = &SegmentationError{Code: ErrorInsufficientRegions, Message: "insufficient regions"}
	ErrLabelingFailure     = &SegmentationError{Code: ErrorLabelingFailure, Message: "labeling failure"}
)

// SegmentationError is a structured failure raised at a stage boundary.
type SegmentationError struct {
	Code    ErrorCode
	Message string
	Stage   string
	Details map[string]interface{}
	Cause   error
}

func (e *SegmentationError) Error() string {
	prefix := string(e.Code)
	if e.Stage != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.Stage)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *SegmentationError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SegmentationError with the same code.
func (e *SegmentationError) Is(target error) bool {
	t, ok := target.(*SegmentationError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Factory functions

func NewInvalidShapeError(stage string, format string, args ...interface{}) *SegmentationError {
	return &SegmentationError{
		Code:    ErrorInvalidShape,
		Message: fmt.Sprintf(format, args...),
		Stage:   stage,
	}
}

func NewShapeMismatchError(stage string, want, got []int) *SegmentationError {
	return &SegmentationError{
		Code:    ErrorInvalidShape,
		Message: fmt.Sprintf("shape mismatch: want %v, got %v", want, got),
		Stage:   stage,
		Details: map[string]interface{}{
			"want": want,
			"got":  got,
		},
	}
}

func NewInsufficientRegionsError(stage string, want, found int) *SegmentationError {
	return &SegmentationError{
		Code:    ErrorInsufficientRegions,
		Message: fmt.Sprintf("need at least %d region(s), found %d", want, found),
		Stage:   stage,
		Details: map[string]interface{}{
			"want":  want,
			"found": found,
		},
	}
}

func NewLabelingFailureError(index int, value uint8) *SegmentationError {
	return &SegmentationError{
		Code:    ErrorLabelingFailure,
		Message: fmt.Sprintf("mask is not binary: value %d at index %d", value, index),
		Stage:   "label",
		Details: map[string]interface{}{
			"index": index,
			"value": value,
		},
	}
}

// WithStage prefixes the stage of a SegmentationError with stage. Other
// errors are returned unchanged.
func WithStage(err error, stage string) error {
	if se, ok := err.(*SegmentationError); ok {
		cp := *se
		if cp.Stage == "" {
			cp.Stage = stage
		} else {
			cp.Stage = stage + "/" + cp.Stage
		}
		return &cp
	}
	return err
}

// ToMap converts the error to a flat map for structured log fields.
func (e *SegmentationError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
	}
	if e.Stage != "" {
		result["stage"] = e.Stage
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
