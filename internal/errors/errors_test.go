package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

// TestIsMatchesByCode verifies that errors.Is compares codes, not identity
func TestIsMatchesByCode(t *testing.T) {
	err := NewInsufficientRegionsError("segment-body", 1, 0)

	if !stderrors.Is(err, ErrInsufficientRegions) {
		t.Errorf("Expected %v to match ErrInsufficientRegions", err)
	}
	if stderrors.Is(err, ErrInvalidShape) {
		t.Errorf("Did not expect %v to match ErrInvalidShape", err)
	}

	wrapped := fmt.Errorf("subject copd1: %w", err)
	if !stderrors.Is(wrapped, ErrInsufficientRegions) {
		t.Errorf("Expected wrapped error to match ErrInsufficientRegions")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewLabelingFailureError(12, 3)
	msg := err.Error()
	if !strings.HasPrefix(msg, "LABELING_FAILURE [label]") {
		t.Errorf("Unexpected message prefix: %q", msg)
	}

	cause := stderrors.New("disk full")
	withCause := &SegmentationError{Code: ErrorInvalidShape, Message: "bad", Cause: cause}
	if !strings.Contains(withCause.Error(), "caused by: disk full") {
		t.Errorf("Expected cause in message, got %q", withCause.Error())
	}
	if stderrors.Unwrap(withCause) != cause {
		t.Errorf("Unwrap should return the cause")
	}
}

func TestWithStage(t *testing.T) {
	err := NewInvalidShapeError("", "extent 0 along axis 1")
	staged := WithStage(err, "threshold")

	se, ok := staged.(*SegmentationError)
	if !ok {
		t.Fatalf("Expected *SegmentationError, got %T", staged)
	}
	if se.Stage != "threshold" {
		t.Errorf("Expected stage threshold, got %q", se.Stage)
	}
	if err.Stage != "" {
		t.Errorf("WithStage must not modify the original error")
	}

	nested := WithStage(staged, "segment-lungs").(*SegmentationError)
	if nested.Stage != "segment-lungs/threshold" {
		t.Errorf("Expected nested stage, got %q", nested.Stage)
	}

	plain := stderrors.New("plain")
	if WithStage(plain, "x") != plain {
		t.Errorf("Non-segmentation errors must pass through unchanged")
	}
}

func TestToMap(t *testing.T) {
	err := NewShapeMismatchError("stack", []int{4, 4}, []int{4, 5})
	m := err.ToMap()

	if m["error_code"] != "INVALID_SHAPE" {
		t.Errorf("Expected error_code INVALID_SHAPE, got %v", m["error_code"])
	}
	if m["stage"] != "stack" {
		t.Errorf("Expected stage stack, got %v", m["stage"])
	}
	if _, ok := m["want"]; !ok {
		t.Errorf("Expected details to be flattened into the map")
	}
}
