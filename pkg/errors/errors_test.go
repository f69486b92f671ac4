package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should see the cause through Unwrap")
	}
}

func TestNewInvalidInputError(t *testing.T) {
	err := NewInvalidInputError("invalid input")
	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidInput)
	}
	if err.HTTPStatus != 400 {
		t.Errorf("HTTPStatus = %v, want 400", err.HTTPStatus)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("room")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != 404 {
		t.Errorf("HTTPStatus = %v, want 404", err.HTTPStatus)
	}
}

func TestNewRoomFullError(t *testing.T) {
	err := NewRoomFullError("lounge")
	if err.Code != ErrCodeRoomFull {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeRoomFull)
	}
	if err.HTTPStatus != 409 {
		t.Errorf("HTTPStatus = %v, want 409", err.HTTPStatus)
	}
	if !strings.Contains(err.Message, "lounge") {
		t.Errorf("Message should name the room, got: %v", err.Message)
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	// Direct AppError
	if result := GetAppError(appErr); result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}

	// AppError buried under fmt wrapping
	wrapped := fmt.Errorf("handler: %w", appErr)
	if result := GetAppError(wrapped); result != appErr {
		t.Errorf("GetAppError() should extract AppError from wrapped error, got %v", result)
	}

	// Regular error
	if result := GetAppError(errors.New("regular error")); result != nil {
		t.Error("GetAppError() should return nil for regular error")
	}

	if result := GetAppError(nil); result != nil {
		t.Error("GetAppError() should return nil for nil error")
	}
}
