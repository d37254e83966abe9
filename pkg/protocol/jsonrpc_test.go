package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFrames(t *testing.T) {
	tests := []struct {
		name           string
		data           string
		isRequest      bool
		isResponse     bool
		isNotification bool
	}{
		{
			name:      "request with numeric id",
			data:      `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`,
			isRequest: true,
		},
		{
			name:      "request with string id",
			data:      `{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
			isRequest: true,
		},
		{
			name:       "success response",
			data:       `{"jsonrpc":"2.0","id":1,"result":{"op":"pong"}}`,
			isResponse: true,
		},
		{
			name:       "error response",
			data:       `{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"boom"}}`,
			isResponse: true,
		},
		{
			name:           "notification",
			data:           `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`,
			isNotification: true,
		},
		{
			name:           "notification with null id",
			data:           `{"jsonrpc":"2.0","id":null,"method":"notifications/cancelled"}`,
			isNotification: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := []byte(tt.data)
			assert.Equal(t, tt.isRequest, IsRequest(data))
			assert.Equal(t, tt.isResponse, IsResponse(data))
			assert.Equal(t, tt.isNotification, IsNotification(data))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	assert.NoError(t, Validate([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)))

	assert.Error(t, Validate([]byte(`not json`)))
	assert.Error(t, Validate([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`)))
	assert.Error(t, Validate([]byte(`{"jsonrpc":"2.0","id":7}`)))
}

func TestRequestID(t *testing.T) {
	assert.Equal(t, "1", RequestID([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	assert.Equal(t, `"abc"`, RequestID([]byte(`{"jsonrpc":"2.0","id":"abc","result":{}}`)))
	assert.Equal(t, "", RequestID([]byte(`{"jsonrpc":"2.0","method":"note"}`)))
	assert.Equal(t, "", RequestID([]byte(`{"jsonrpc":"2.0","id":null,"method":"note"}`)))
	assert.Equal(t, "", RequestID([]byte(`garbage`)))
}

func TestIsEmptyResult(t *testing.T) {
	assert.True(t, IsEmptyResult([]byte(`{"jsonrpc":"2.0","id":4,"result":{}}`)))
	assert.False(t, IsEmptyResult([]byte(`{"jsonrpc":"2.0","id":4,"result":{"op":"pong"}}`)))
	assert.False(t, IsEmptyResult([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":-32603,"message":"x"}}`)))
	assert.False(t, IsEmptyResult([]byte(`{"jsonrpc":"2.0","id":4,"method":"ping"}`)))
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(int64(7), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, JSONRPCVersion, req.JSONRPC)
	assert.Equal(t, "ping", req.Method)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.True(t, IsRequest(data))
	assert.Equal(t, "7", RequestID(data))
}

func TestNewErrorResponse(t *testing.T) {
	resp, err := NewErrorResponse(int64(3), InternalError, "backend unreachable", map[string]string{"target": "http://localhost:8000/sse"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InternalError, resp.Error.Code)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.True(t, IsResponse(data))
}
