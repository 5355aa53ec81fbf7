package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestWrap_Format(t *testing.T) {
	err := Wrap(ErrTransport, "Reader", "Run", "receive frame")
	require.Error(t, err)
	assert.Equal(t, "Reader.Run: receive frame failed: transport error", err.Error())
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Nil(t, Wrap(nil, "a", "b", "c"))
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.wrap(ErrListing, "Orchestrator", "Deploy", "validate listing")
			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, test.class, ce.Class)
			assert.Equal(t, "Orchestrator", ce.Component)
			assert.Equal(t, "Deploy", ce.Operation)
			assert.True(t, errors.Is(err, ErrListing))
			assert.Equal(t, test.class, Classify(err))
		})
	}

	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"configuration", ErrConfiguration, ErrorFatal},
		{"listing", fmt.Errorf("x: %w", ErrListing), ErrorFatal},
		{"election", ErrElectionTimeout, ErrorFatal},
		{"role", ErrRoleViolation, ErrorInvalid},
		{"misuse", ErrAPIMisuse, ErrorInvalid},
		{"transport", ErrTransport, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}
}

func TestIsHelpers_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsInvalid(nil))
	assert.True(t, IsTransient(ErrKeyNotFound))
}
