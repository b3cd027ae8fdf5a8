// Package apptest provides in-memory boundary fakes for app-layer tests.
package apptest

import (
	"sync"

	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/protocol"
)

// Transport mimics ws.Channel: control messages queue while closed and
// flush on open; binary frames are dropped while closed.
type Transport struct {
	name string

	mu       sync.Mutex
	state    core.ChannelState
	sent     []protocol.Envelope
	queued   []protocol.Envelope
	binary   []core.Frame
	dropped  int
	identity *domain.Identity
	// OnSend, when set, sees every envelope written while open.
	OnSend func(protocol.Envelope)
}

var _ core.Transport = (*Transport)(nil)

func NewTransport(name string, open bool) *Transport {
	t := &Transport{name: name, state: core.ChannelConnecting}
	if open {
		t.state = core.ChannelOpen
	}
	return t
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) State() core.ChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) IsOpen() bool { return t.State() == core.ChannelOpen }

func (t *Transport) Send(env protocol.Envelope) error {
	t.mu.Lock()
	if t.state != core.ChannelOpen {
		t.queued = append(t.queued, env)
		t.mu.Unlock()
		return nil
	}
	t.sent = append(t.sent, env)
	hook := t.OnSend
	t.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (t *Transport) SendBinary(f core.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != core.ChannelOpen {
		t.dropped++
		return errNotOpen
	}
	t.binary = append(t.binary, f)
	return nil
}

func (t *Transport) Announce(id *domain.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.identity = id
}

func (t *Transport) Forget() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.identity = nil
}

// SetState changes the state; opening flushes queued control messages.
func (t *Transport) SetState(s core.ChannelState) {
	t.mu.Lock()
	t.state = s
	var flushed []protocol.Envelope
	if s == core.ChannelOpen {
		flushed = t.queued
		t.sent = append(t.sent, t.queued...)
		t.queued = nil
	}
	hook := t.OnSend
	t.mu.Unlock()
	if hook != nil {
		for _, env := range flushed {
			hook(env)
		}
	}
}

func (t *Transport) Sent() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Envelope(nil), t.sent...)
}

// Events lists the event names written while open, in order.
func (t *Transport) Events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sent))
	for _, env := range t.sent {
		out = append(out, env.Event)
	}
	return out
}

// Count returns how many envelopes with this event were written.
func (t *Transport) Count(event string) int {
	n := 0
	for _, e := range t.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (t *Transport) Queued() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Envelope(nil), t.queued...)
}

func (t *Transport) Binary() []core.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.Frame(nil), t.binary...)
}

func (t *Transport) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func (t *Transport) Identity() *domain.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}
