package core

import (
	"context"
	"errors"

	"github.com/dkeye/salescall/internal/domain"
)

// ErrSinkClosed is reported by a sink that will not accept anything more.
var ErrSinkClosed = errors.New("sink closed")

// Sink is the decoder/playback end of the relay pipeline.
type Sink interface {
	// Append hands one encoded segment to the decoder. done is called exactly
	// once, when the sink is ready for the next segment, with the rejection
	// error if the segment was refused.
	Append(seg Frame, done func(error))
	// Close should stop all underlying playback resources.
	Close() error
}

// SinkFactory builds a fresh sink per call; sinks are never reused.
type SinkFactory interface {
	NewSink(callID domain.CallID) (Sink, error)
}

// RawFrame is interleaved float32 PCM in [-1, 1].
type RawFrame struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// CaptureStream is a granted microphone.
type CaptureStream interface {
	// Start begins delivery; callbacks may run on any goroutine.
	Start(onEncoded func(Frame), onRaw func(RawFrame)) error
	Stop()
}

// CaptureProvider acquires the microphone. Acquire may block pending user
// permission and must honour ctx cancellation.
type CaptureProvider interface {
	Acquire(ctx context.Context) (CaptureStream, error)
}
