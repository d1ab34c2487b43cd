package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf_FindsWrappedError(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("narrating: %w", Wrap(CodeProviderFailure, base, "text generation failed"))

	if got := CodeOf(err); got != CodeProviderFailure {
		t.Fatalf("CodeOf = %q, want %q", got, CodeProviderFailure)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if !Is(err, CodeProviderFailure) {
		t.Fatal("Is should report the wrapped code")
	}
}

func TestCodeOf_PlainErrorIsInternal(t *testing.T) {
	if got := CodeOf(errors.New("x")); got != CodeInternal {
		t.Fatalf("CodeOf = %q, want %q", got, CodeInternal)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidInput, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeCacheMiss, http.StatusNotFound},
		{CodeProviderUnavailable, http.StatusServiceUnavailable},
		{CodeProviderFailure, http.StatusBadGateway},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestError_Message(t *testing.T) {
	err := InvalidInput("sessionId is required")
	if err.Error() != "sessionId is required" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
