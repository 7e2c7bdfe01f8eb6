package chat

import (
	"fmt"
	"net/url"
)

// SocketEndpoint derives the push channel address from the HTTP base
// URL: http becomes ws, https becomes wss, any path prefix is dropped
// and the socket port is appended. The port is a deployment convention
// shared with the backend, not a negotiated value.
func SocketEndpoint(apiBaseURL string, port int) (string, error) {
	u, err := url.Parse(apiBaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing API base URL: %w", err)
	}

	var scheme string
	switch u.Scheme {
	case "http":
		scheme = "ws"
	case "https":
		scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported API scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("API base URL %q has no host", apiBaseURL)
	}

	return fmt.Sprintf("%s://%s:%d", scheme, host, port), nil
}
