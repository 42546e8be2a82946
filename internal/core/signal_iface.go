package core

import "errors"

var ErrBackpressure = errors.New("backpressure")

// Frame is a raw encoded payload for one peer.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks; a full buffer yields ErrBackpressure.
	TrySend(Frame) error
	Close()
}
