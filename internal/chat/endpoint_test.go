package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketEndpoint_RewritesSchemeAndStripsPath(t *testing.T) {
	got, err := SocketEndpoint("https://admin.example.com/api/v1", 8090)
	require.NoError(t, err)
	assert.Equal(t, "wss://admin.example.com:8090", got)
}

func TestSocketEndpoint_PlainHTTP(t *testing.T) {
	got, err := SocketEndpoint("http://localhost/backend", 8090)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8090", got)
}

func TestSocketEndpoint_DropsExistingPort(t *testing.T) {
	got, err := SocketEndpoint("http://localhost:8080/api", 9001)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9001", got)
}

func TestSocketEndpoint_RejectsUnknownScheme(t *testing.T) {
	_, err := SocketEndpoint("ftp://example.com", 8090)
	assert.ErrorContains(t, err, "unsupported API scheme")
}

func TestSocketEndpoint_RejectsMissingHost(t *testing.T) {
	_, err := SocketEndpoint("http://", 8090)
	assert.ErrorContains(t, err, "no host")
}
