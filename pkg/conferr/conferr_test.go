package conferr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"malformed", Malformed("missing header %s", "x"), "malformed"},
		{"integrity", Integrity("hash mismatch"), "integrity"},
		{"trust", Trust("bad signature"), "trust"},
		{"network", Network("fetch failed: %w", cause), "network"},
		{"network timeout", Network("fetch failed: %w", context.DeadlineExceeded), "timeout"},
		{"wrapped", fmt.Errorf("location x: %w", Trust("no cert")), "trust"},
		{"canceled", context.Canceled, "canceled"},
		{"other", cause, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Network("GET %s: %w", "http://example.com", cause)

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTrust)
	assert.Equal(t, "network error: GET http://example.com: connection refused", err.Error())
}
