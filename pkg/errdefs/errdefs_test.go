package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "nil error has no kind",
			err:  nil,
			want: "",
		},
		{
			name: "classified error",
			err:  New(KindValidationFailed, "empty buffer"),
			want: KindValidationFailed,
		},
		{
			name: "wrapped classified error",
			err:  fmt.Errorf("upload: %w", New(KindConflict, "duplicate checksum")),
			want: KindConflict,
		},
		{
			name: "double wrap keeps outer kind",
			err:  Wrap(KindTransientBackend, New(KindNotFound, "gone"), "fetch blob"),
			want: KindTransientBackend,
		},
		{
			name: "context cancellation maps to cancelled",
			err:  fmt.Errorf("stage: %w", context.Canceled),
			want: KindCancelled,
		},
		{
			name: "deadline maps to timeout",
			err:  context.DeadlineExceeded,
			want: KindTimeout,
		},
		{
			name: "unclassified error is internal",
			err:  errors.New("boom"),
			want: KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient backend", New(KindTransientBackend, "redis down"), true},
		{"timeout", New(KindTimeout, "stage deadline"), true},
		{"internal", errors.New("nil map write"), true},
		{"validation", New(KindValidationFailed, "bad name"), false},
		{"stage fatal", New(KindStageFatal, "corrupt image"), false},
		{"cancelled", New(KindCancelled, "drain"), false},
		{"conflict", New(KindConflict, "already claimed"), false},
		{"not found", New(KindNotFound, "no such photo"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindTransientBackend, nil, "noop"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTransientBackend, cause, "blob put")

	assert.Equal(t, "blob put: connection refused", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsValidationFailed(New(KindValidationFailed, "x")))
	assert.True(t, IsNotFound(New(KindNotFound, "x")))
	assert.True(t, IsTransient(New(KindTransientBackend, "x")))
	assert.True(t, IsConflict(New(KindConflict, "x")))
	assert.True(t, IsStageFatal(New(KindStageFatal, "x")))
	assert.True(t, IsTimeout(New(KindTimeout, "x")))
	assert.True(t, IsCancelled(New(KindCancelled, "x")))
	assert.False(t, IsNotFound(New(KindConflict, "x")))
}
