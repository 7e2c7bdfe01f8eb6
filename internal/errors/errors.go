package errors

import "errors"

// Send pipeline errors.
var (
	ErrEmptyMessage         = errors.New("message has no text and no attachment")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrNoAuthenticatedUser  = errors.New("no authenticated user")
)

// Session/transport errors.
var (
	ErrSessionClosed      = errors.New("session closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrAPIRequest         = errors.New("API request failed")
	ErrAPIResponse        = errors.New("unexpected API response")
)
