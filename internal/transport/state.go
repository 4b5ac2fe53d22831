package transport

import "time"

// State is the connection state of one stream.
//
//	disconnected -> connecting -> connected -> disconnected -> ...
//
// closing is terminal and only reached through an explicit close.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second
	DefaultKeepalive = 45 * time.Second
)

// BackoffDelay returns the wait before reconnect attempt number attempt
// (1-based, counting consecutive failures): min(base * 2^(attempt-1), max).
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
