package core

import (
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/protocol"
)

// Frame is a raw binary payload (encoded audio segment or PCM block).
type Frame []byte

type ChannelState int32

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
	ChannelDisposed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	case ChannelDisposed:
		return "disposed"
	}
	return "unknown"
}

type FrameKind int

const (
	TextFrame FrameKind = iota + 1
	BinaryFrame
)

// Transport is one logical channel as the app layer sees it.
// Owned by the adapter; the adapter must Close() it.
type Transport interface {
	Name() string
	State() ChannelState
	IsOpen() bool
	// Send transmits a control message, queueing it while the channel is not open.
	Send(protocol.Envelope) error
	// SendBinary transmits audio; it is dropped when the channel is not open.
	SendBinary(Frame) error
	// Announce sets the identity re-registered on every open.
	Announce(*domain.Identity)
	Forget()
}

// ChannelListener receives inbound frames and state changes.
// Calls come from transport goroutines; implementations hop onto their own loop.
type ChannelListener interface {
	OnFrame(channel string, kind FrameKind, data []byte)
	OnState(channel string, state ChannelState)
}
