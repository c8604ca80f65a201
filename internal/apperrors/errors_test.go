package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsMapStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		typ    ErrorType
		status int
	}{
		{"validation", NewValidation("query is empty"), TypeValidation, http.StatusBadRequest},
		{"not found", NewNotFound("session"), TypeNotFound, http.StatusNotFound},
		{"conflict", NewConflict("too many sessions"), TypeConflict, http.StatusConflict},
		{"external", NewExternal("llm", errors.New("boom")), TypeExternal, http.StatusBadGateway},
		{"timeout", NewTimeout("query"), TypeTimeout, http.StatusGatewayTimeout},
		{"unavailable", NewUnavailable("breaker open"), TypeUnavailable, http.StatusServiceUnavailable},
		{"internal", NewInternal("oops"), TypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.typ, tt.err.Type)
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.True(t, Is(fmt.Errorf("wrapped: %w", tt.err), tt.typ))
		})
	}
}

func TestNotFoundMessage(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: session not found", NewNotFound("session").Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "x"))

	orig := NewValidation("bad")
	assert.Same(t, orig, Wrap(fmt.Errorf("ctx: %w", orig), "ignored"))

	timeout := Wrap(context.DeadlineExceeded, "llm call")
	assert.True(t, IsTimeout(timeout))
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)

	plain := Wrap(errors.New("disk"), "save")
	assert.Equal(t, TypeInternal, plain.Type)
	assert.Contains(t, plain.Error(), "caused by: disk")
}

func TestHTTPStatusOfPlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("x")))
	assert.Equal(t, TypeInternal, TypeOf(errors.New("x")))
}
