package mesh

import (
	"errors"
	"time"
)

var (
	ErrLinkClosed   = errors.New("link closed")
	ErrNotConnected = errors.New("link not connected")
)

// State is the connection state of one PeerLink.
type State int32

const (
	Idle State = iota
	SignalingOffered
	SignalingAnswered
	Connected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SignalingOffered:
		return "signaling_offered"
	case SignalingAnswered:
		return "signaling_answered"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the link will never connect again.
func (s State) Terminal() bool { return s == Failed || s == Closed }

func (s State) signaling() bool { return s == SignalingOffered || s == SignalingAnswered }

type Config struct {
	SignalTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

func DefaultConfig() Config {
	return Config{
		SignalTimeout: 15 * time.Second,
		MaxRetries:    4,
		BackoffBase:   500 * time.Millisecond,
		BackoffMax:    8 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = d.SignalTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

// Backoff is the wait before retry n, counting from 1.
func (c Config) Backoff(n int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}
