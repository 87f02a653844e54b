package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCodeThroughFmtWrapping(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := fmt.Errorf("load settings: %w", Wrap(CodeStorageFailure, cause, "读取配置失败"))

	if got := CodeOf(err); got != CodeStorageFailure {
		t.Fatalf("unexpected code: got %s want %s", got, CodeStorageFailure)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures should be retryable by default")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New(CodeInvalidArgument, "task is required"), http.StatusBadRequest},
		{New(CodeConfigInvalid, "max_steps"), http.StatusUnprocessableEntity},
		{New(CodeNotFound, ""), http.StatusNotFound},
		{stdErrors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestMessageOfOmitsCode(t *testing.T) {
	err := Wrap(CodeDeviceFailure, stdErrors.New("no devices"), "列出设备失败")
	if got := MessageOf(err); got != "列出设备失败: no devices" {
		t.Fatalf("unexpected message: %q", got)
	}
	if got := MessageOf(stdErrors.New("boom")); got != "boom" {
		t.Fatalf("unexpected plain message: %q", got)
	}
}
