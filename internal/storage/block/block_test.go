//go:build linux
// +build linux

package block

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func Test_WaitForDevice_AppearsAfterRetries(t *testing.T) {
	attempts := 0
	osStat = func(path string) (os.FileInfo, error) {
		attempts++
		if attempts < 3 {
			return nil, os.ErrNotExist
		}
		return nil, nil
	}

	if err := waitForDevice(context.Background(), "/dev/sda", DefaultDeviceWaitTimeout); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 stat attempts, got: %d", attempts)
	}
}

func Test_WaitForDevice_PermanentError_NoRetry(t *testing.T) {
	expectedErr := errors.New("permission denied")
	attempts := 0
	osStat = func(path string) (os.FileInfo, error) {
		attempts++
		return nil, expectedErr
	}

	err := waitForDevice(context.Background(), "/dev/sda", DefaultDeviceWaitTimeout)
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected err: %v, got: %v", expectedErr, err)
	}
	if attempts != 1 {
		t.Errorf("expected a single stat attempt for a non-retryable error, got: %d", attempts)
	}
}

func Test_WaitForDevice_ContextCanceled(t *testing.T) {
	osStat = func(path string) (os.FileInfo, error) {
		return nil, os.ErrNotExist
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitForDevice(ctx, "/dev/sda", DefaultDeviceWaitTimeout); err == nil {
		t.Fatal("expected an error once the context is canceled")
	}
}

func Test_WaitForDevice_EmptySource_Error(t *testing.T) {
	osStat = func(path string) (os.FileInfo, error) {
		t.Error("stat must not be called for an empty source")
		return nil, nil
	}

	if err := waitForDevice(context.Background(), "", DefaultDeviceWaitTimeout); err == nil {
		t.Fatal("expected an error for an empty source")
	}
}

func Test_WaitForDevice_ConfiguredTimeout_BoundsRetries(t *testing.T) {
	attempts := 0
	osStat = func(path string) (os.FileInfo, error) {
		attempts++
		return nil, os.ErrNotExist
	}

	// 25ms at a 10ms poll interval allows 2 retries after the first attempt.
	err := waitForDevice(context.Background(), "/dev/sda", 25*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error for a device that never appears")
	}
	if attempts != 3 {
		t.Errorf("expected 3 stat attempts for the configured timeout, got: %d", attempts)
	}
}

func Test_Handler_ZeroTimeout_UsesDefault(t *testing.T) {
	h := &Handler{}
	if timeout := h.waitTimeout(); timeout != DefaultDeviceWaitTimeout {
		t.Errorf("expected the default timeout, got: %v", timeout)
	}
	h = &Handler{DeviceWaitTimeout: 7 * time.Second}
	if timeout := h.waitTimeout(); timeout != 7*time.Second {
		t.Errorf("expected the configured timeout, got: %v", timeout)
	}
}
