package core

import "errors"

// Frame is a raw encoded hub message.
type Frame []byte

var ErrBackpressure = errors.New("backpressure")

// SignalConnection abstracts the hub-side messaging transport of one client.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
