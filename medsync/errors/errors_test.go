package errors

import (
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ParsingError{Msg: "no MSH segment"}, "could not parse HL7 message: no MSH segment"},
		{&UnsupportedMessageTypeError{MessageType: "ADT^A01"}, "unsupported message type ADT^A01"},
		{&ResourceNotFoundError{ResourceType: "Observation", ID: "abc"}, "Observation/abc not found"},
		{&TransientError{StatusCode: 502, Body: "bad gateway"}, "request failed with status 502: bad gateway"},
		{&TransientError{Err: goerrors.New("connection refused")}, "request failed: connection refused"},
	}
	for _, tt := range tests {
		assert.EqualError(t, tt.err, tt.want)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TransientError{StatusCode: 500}))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &TransientError{StatusCode: 503})))
	assert.False(t, IsRetryable(ErrCircuitOpen))
	assert.False(t, IsRetryable(&AuthenticationError{Err: goerrors.New("bad creds")}))
	assert.False(t, IsRetryable(&ResourceNotFoundError{ResourceType: "Patient", ID: "1"}))
}

func TestIsSystemic(t *testing.T) {
	assert.True(t, IsSystemic(ErrCircuitOpen))
	assert.True(t, IsSystemic(&AuthenticationError{Err: goerrors.New("expired")}))
	assert.True(t, IsSystemic(&TransientError{StatusCode: 500}))
	assert.False(t, IsSystemic(&ResourceNotFoundError{ResourceType: "Patient", ID: "1"}))
	assert.False(t, IsSystemic(&ParsingError{Msg: "empty"}))
}

func TestUnwrap(t *testing.T) {
	cause := goerrors.New("boom")
	assert.ErrorIs(t, &AuthenticationError{Err: cause}, cause)
	assert.ErrorIs(t, &TransientError{Err: cause}, cause)
}
