package apptest

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
)

var (
	errNotOpen = errors.New("not open")
	// ErrDenied is what Capture.Deny reports by default.
	ErrDenied = errors.New("permission denied")
)

// Sink holds Append completions until the test releases them.
type Sink struct {
	CallID domain.CallID

	mu       sync.Mutex
	inflight []func(error)
	appended []core.Frame
	closed   bool
}

func (s *Sink) Append(seg core.Frame, done func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		go done(core.ErrSinkClosed)
		return
	}
	s.appended = append(s.appended, seg)
	s.inflight = append(s.inflight, done)
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Complete finishes the oldest in-flight Append with err.
func (s *Sink) Complete(err error) bool {
	s.mu.Lock()
	if len(s.inflight) == 0 {
		s.mu.Unlock()
		return false
	}
	done := s.inflight[0]
	s.inflight = s.inflight[1:]
	s.mu.Unlock()
	done(err)
	return true
}

func (s *Sink) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Sink) Appended() []core.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Frame(nil), s.appended...)
}

func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type SinkFactory struct {
	mu    sync.Mutex
	sinks []*Sink
	Err   error
}

func (f *SinkFactory) NewSink(callID domain.CallID) (core.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s := &Sink{CallID: callID}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func (f *SinkFactory) Sinks() []*Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Sink(nil), f.sinks...)
}

// Last returns the newest sink or nil.
func (f *SinkFactory) Last() *Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sinks) == 0 {
		return nil
	}
	return f.sinks[len(f.sinks)-1]
}

// Stream is a granted fake microphone.
type Stream struct {
	mu       sync.Mutex
	onEnc    func(core.Frame)
	onRaw    func(core.RawFrame)
	started  bool
	stopped  bool
	StartErr error
}

func (s *Stream) Start(onEncoded func(core.Frame), onRaw func(core.RawFrame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.onEnc, s.onRaw, s.started = onEncoded, onRaw, true
	return nil
}

func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Emit delivers one encoded segment if the stream is running.
func (s *Stream) Emit(f core.Frame) {
	s.mu.Lock()
	cb := s.onEnc
	running := s.started && !s.stopped
	s.mu.Unlock()
	if running && cb != nil {
		cb(f)
	}
}

func (s *Stream) EmitRaw(raw core.RawFrame) {
	s.mu.Lock()
	cb := s.onRaw
	running := s.started && !s.stopped
	s.mu.Unlock()
	if running && cb != nil {
		cb(raw)
	}
}

func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type grant struct {
	stream *Stream
	err    error
}

// Capture blocks every Acquire until Grant or Deny. With Auto set it grants
// immediately.
type Capture struct {
	Auto bool

	mu       sync.Mutex
	waiting  []chan grant
	streams  []*Stream
	acquires int
	aborted  int
}

func (c *Capture) Acquire(ctx context.Context) (core.CaptureStream, error) {
	c.mu.Lock()
	c.acquires++
	if c.Auto {
		s := &Stream{}
		c.streams = append(c.streams, s)
		c.mu.Unlock()
		return s, nil
	}
	ch := make(chan grant, 1)
	c.waiting = append(c.waiting, ch)
	c.mu.Unlock()

	select {
	case g := <-ch:
		if g.err != nil {
			return nil, g.err
		}
		return g.stream, nil
	case <-ctx.Done():
		c.mu.Lock()
		c.aborted++
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Grant releases the oldest waiting Acquire with a new stream.
func (c *Capture) Grant() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiting) == 0 {
		return nil
	}
	s := &Stream{}
	c.streams = append(c.streams, s)
	c.waiting[0] <- grant{stream: s}
	c.waiting = c.waiting[1:]
	return s
}

func (c *Capture) Deny() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiting) == 0 {
		return
	}
	c.waiting[0] <- grant{err: ErrDenied}
	c.waiting = c.waiting[1:]
}

func (c *Capture) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}

func (c *Capture) Acquires() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquires
}

func (c *Capture) Aborted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Capture) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams...)
}
