package chat

import "time"

const (
	// maxReconnectAttempts is the cutoff after which the session moves
	// to the terminal failed state instead of retrying.
	maxReconnectAttempts = 5

	// reconnectBaseDelay is doubled per attempt: 3s, 6s, 12s, 24s, 48s.
	reconnectBaseDelay = 3 * time.Second

	keepaliveInterval = 30 * time.Second
	basePollInterval  = 30 * time.Second
	fastPollInterval  = 1 * time.Second
)

// decideReconnect is the whole reconnection policy: given the attempt
// count and whether the connection closed cleanly, it decides whether
// to reconnect and after what delay. A clean close is intentional and
// never retried. The caller owns the attempt counter and the timer.
func decideReconnect(attempts int, wasClean bool) (bool, time.Duration) {
	if wasClean {
		return false, 0
	}

	if attempts >= maxReconnectAttempts {
		return false, 0
	}

	return true, reconnectBaseDelay << attempts
}
