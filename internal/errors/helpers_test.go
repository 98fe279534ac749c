package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("room_id", "room id is required")

	assert.Equal(t, ErrCodeInvalidInput, err.Code)
	assert.Equal(t, "invalid room_id: room id is required", err.Message)
	assert.Equal(t, "room_id", err.Context["field"])
}

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("api_url", "must be absolute")

	assert.Equal(t, ErrCodeInvalidConfig, err.Code)
	assert.Equal(t, "must be absolute", err.Message)
	assert.Equal(t, "api_url", err.Context["config_key"])
}

func TestNewCallError(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		message   string
		wantMsg   string
		retryable bool
	}{
		{name: "client error", code: 404, message: "no such room", wantMsg: "no such room"},
		{name: "rate limited", code: 429, message: "slow down", wantMsg: "slow down", retryable: true},
		{name: "server error", code: 503, wantMsg: "call failed", retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewCallError("Room.Update", tt.code, tt.message)

			assert.Equal(t, ErrCodeCallFailed, err.Code)
			assert.Equal(t, tt.wantMsg, err.Message)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, "Room.Update", err.Context["msg_type"])
			assert.Equal(t, tt.code, StatusCode(err))
		})
	}
}

func TestNewUnexpectedReplyError(t *testing.T) {
	err := NewUnexpectedReplyError("Room.Ok", "Error.Call")

	assert.Equal(t, ErrCodeCallFailed, err.Code)
	assert.Contains(t, err.Message, "expected Room.Ok reply, got Error.Call")
	assert.Equal(t, "Error.Call", err.Context["msg_type"])
}

func TestNewDecodeError(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := NewDecodeError(cause, true)

	assert.Equal(t, ErrCodeProtocolDecode, err.Code)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, true, err.Context["binary"])
}

func TestNewAuthErrors(t *testing.T) {
	err := NewAuthError("agent", 500, "try later")
	assert.Equal(t, ErrCodeAuthentication, err.Code)
	assert.Equal(t, "authentication failed: try later", err.Message)
	assert.Equal(t, "agent", err.Context["principal"])
	assert.Equal(t, 500, StatusCode(err))

	wrong := NewWrongCredentialError("user", 401)
	assert.Equal(t, ErrCodeWrongCredential, wrong.Code)
	assert.False(t, wrong.Retryable)
	assert.Equal(t, 401, StatusCode(wrong))
}

func TestNewTokenExchangeError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{status: 0, retryable: true},
		{status: 401},
		{status: 403},
		{status: 408, retryable: true},
		{status: 429, retryable: true},
		{status: 502, retryable: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			err := NewTokenExchangeError(tt.status, errors.New("boom"))
			assert.Equal(t, ErrCodeTokenExchange, err.Code)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestNewTimeoutError(t *testing.T) {
	err := NewTimeoutError("unsubscribe", "10s")

	assert.Equal(t, ErrCodeTimeout, err.Code)
	assert.Equal(t, "unsubscribe timed out after 10s", err.Message)
	assert.Equal(t, "10s", err.Context["timeout"])
}

func TestNewDatabaseError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewDatabaseError("insert", cause)

	assert.Equal(t, ErrCodeDatabaseQuery, err.Code)
	assert.Equal(t, "database insert failed", err.Message)
	assert.True(t, Is(err, cause))
}

func TestStatusCode_NonAppError(t *testing.T) {
	assert.Zero(t, StatusCode(errors.New("plain")))
	assert.Zero(t, StatusCode(New(ErrCodeTransport, "no context")))
}
