package bmservice

import (
	"errors"
	"testing"
)

func TestConfigError(t *testing.T) {
	err := NewConfigError("add_stage", "output type mismatch")

	if err.Op != "add_stage" {
		t.Errorf("Expected Op=add_stage, got %s", err.Op)
	}
	if err.Code != ErrCodeConfig {
		t.Errorf("Expected Code=ErrCodeConfig, got %s", err.Code)
	}

	expected := "bmservice: output type mismatch (op=add_stage)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestDeviceError(t *testing.T) {
	err := NewDeviceError("launch_tensor_ex", 3, "device in use")

	if err.DevID != 3 || !err.HasDev {
		t.Errorf("Expected device=3, got %d (hasDev=%v)", err.DevID, err.HasDev)
	}
	if err.Code != ErrCodeDevice {
		t.Errorf("Expected Code=ErrCodeDevice, got %s", err.Code)
	}
}

func TestUserError(t *testing.T) {
	err := NewUserError("preprocess", "normalize", "invalid input shape")
	if err.Stage != "normalize" {
		t.Errorf("Expected Stage=normalize, got %s", err.Stage)
	}
	if err.Code != ErrCodeUser {
		t.Errorf("Expected Code=ErrCodeUser, got %s", err.Code)
	}
}

func TestWrapError_PreservesInnerCode(t *testing.T) {
	inner := NewDeviceError("malloc_device_byte", 1, "out of memory")
	wrapped := WrapError("alloc_images", inner)

	if wrapped.Code != ErrCodeDevice {
		t.Errorf("Expected wrapped Code=ErrCodeDevice, got %s", wrapped.Code)
	}
	if wrapped.Op != "alloc_images" {
		t.Errorf("Expected Op=alloc_images, got %s", wrapped.Op)
	}
}

func TestWrapError_NilIsNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Error("Expected WrapError(op, nil) to return nil")
	}
}

func TestIsCode(t *testing.T) {
	err := NewUserError("postprocess", "decode", "bad box count")
	if !IsCode(err, ErrCodeUser) {
		t.Error("Expected IsCode to match ErrCodeUser")
	}
	if IsCode(err, ErrCodeDevice) {
		t.Error("Expected IsCode to not match ErrCodeDevice")
	}
}

func TestError_UnwrapAndIs(t *testing.T) {
	base := errors.New("boom")
	wrapped := WrapError("load_model", base)

	if !errors.Is(wrapped, wrapped) {
		t.Error("Expected errors.Is to match itself via Is()")
	}
	if wrapped.Unwrap() != base {
		t.Error("Expected Unwrap to return the original inner error")
	}
}
