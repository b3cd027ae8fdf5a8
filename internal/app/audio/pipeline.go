// Package audio moves encoded audio between the microphone, the relay
// channel and the playback sink for the current call.
package audio

import (
	"context"
	"errors"

	"github.com/dkeye/salescall/internal/app/loop"
	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Hooks report failures back to the call owner. Both run on the loop.
type Hooks struct {
	CaptureDenied func(callID domain.CallID, err error)
	SinkFailed    func(callID domain.CallID, err error)
}

type Deps struct {
	Exec       loop.Executor
	Relay      core.Transport
	Transcribe core.Transport
	Sinks      core.SinkFactory
	Capture    core.CaptureProvider
	Metrics    *metrics.Metrics
	Hooks      Hooks
}

// Pipeline must only be touched from the loop. Every asynchronous result
// carries the generation it was issued under and is ignored once stale.
type Pipeline struct {
	d Deps

	gen      uint64
	running  bool
	callID   domain.CallID
	queue    *Queue
	sink     core.Sink
	draining bool
	stream   core.CaptureStream
	cancel   context.CancelFunc
	pcm      *PCMProcessor
}

func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{d: d, pcm: NewPCMProcessor()}
}

func (p *Pipeline) Running() bool { return p.running }

// QueueLen is zero whenever the pipeline is stopped.
func (p *Pipeline) QueueLen() int {
	if p.queue == nil {
		return 0
	}
	return p.queue.Len()
}

func (p *Pipeline) Start(callID domain.CallID) {
	if p.running {
		p.Stop()
	}
	p.gen++
	p.running = true
	p.callID = callID
	p.queue = NewQueue()
	p.draining = false
	p.pcm.Reset()

	if p.d.Sinks != nil {
		sink, err := p.d.Sinks.NewSink(callID)
		if err != nil {
			log.Error().Err(err).Str("module", "app.audio").Str("call_id", string(callID)).Msg("sink create")
			p.sinkFailed(err)
		} else {
			p.sink = sink
		}
	}

	if p.d.Capture != nil {
		p.acquire(p.gen, callID)
	}
	log.Info().Str("module", "app.audio").Str("call_id", string(callID)).Msg("pipeline started")
}

func (p *Pipeline) acquire(gen uint64, callID domain.CallID) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		stream, err := p.d.Capture.Acquire(ctx)
		p.d.Exec.Post(func() { p.granted(gen, callID, stream, err) })
	}()
}

func (p *Pipeline) granted(gen uint64, callID domain.CallID, stream core.CaptureStream, err error) {
	if gen != p.gen || !p.running {
		if stream != nil {
			stream.Stop()
		}
		log.Debug().Str("module", "app.audio").Str("call_id", string(callID)).Msg("late capture grant discarded")
		return
	}
	if err == nil {
		err = stream.Start(
			func(f core.Frame) { p.d.Exec.Post(func() { p.forward(gen, f) }) },
			func(raw core.RawFrame) { p.d.Exec.Post(func() { p.transcribe(gen, raw) }) },
		)
		if err == nil {
			p.stream = stream
			log.Info().Str("module", "app.audio").Str("call_id", string(callID)).Msg("capture started")
			return
		}
		stream.Stop()
	}
	log.Error().Err(err).Str("module", "app.audio").Str("call_id", string(callID)).Msg("capture denied")
	if p.d.Hooks.CaptureDenied != nil {
		p.d.Hooks.CaptureDenied(callID, err)
	}
}

// forward sends one encoded segment to the relay; it is dropped when the
// relay is not open.
func (p *Pipeline) forward(gen uint64, f core.Frame) {
	if gen != p.gen || !p.running || p.d.Relay == nil {
		return
	}
	if err := p.d.Relay.SendBinary(f); err != nil {
		log.Debug().Err(err).Str("module", "app.audio").Msg("outbound segment dropped")
	}
}

func (p *Pipeline) transcribe(gen uint64, raw core.RawFrame) {
	if gen != p.gen || !p.running || p.d.Transcribe == nil {
		return
	}
	for _, frame := range p.pcm.Process(raw) {
		if !p.d.Transcribe.IsOpen() {
			p.d.Metrics.PCMFrame("dropped")
			continue
		}
		if err := p.d.Transcribe.SendBinary(frame); err != nil {
			p.d.Metrics.PCMFrame("dropped")
			continue
		}
		p.d.Metrics.PCMFrame("sent")
	}
}

// Receive queues one inbound segment from the relay.
func (p *Pipeline) Receive(f core.Frame) {
	if !p.running || p.sink == nil {
		p.d.Metrics.Segment("dropped")
		return
	}
	p.queue.Push(f)
	p.d.Metrics.Segment("queued")
	p.d.Metrics.AudioQueueDepth(p.queue.Len())
	p.drain()
}

// drain keeps at most one Append in flight.
func (p *Pipeline) drain() {
	if p.draining || p.sink == nil {
		return
	}
	seg, ok := p.queue.Pop()
	if !ok {
		return
	}
	p.draining = true
	p.d.Metrics.AudioQueueDepth(p.queue.Len())
	gen := p.gen
	p.sink.Append(seg, func(err error) {
		p.d.Exec.Post(func() { p.appended(gen, err) })
	})
}

func (p *Pipeline) appended(gen uint64, err error) {
	if gen != p.gen || !p.running {
		return
	}
	p.draining = false
	switch {
	case err == nil:
		p.d.Metrics.Segment("appended")
	case errors.Is(err, core.ErrSinkClosed):
		log.Error().Err(err).Str("module", "app.audio").Str("call_id", string(p.callID)).Msg("sink closed")
		p.d.Metrics.Segment("rejected")
		_ = p.sink.Close()
		p.sink = nil
		p.queue.Flush()
		p.d.Metrics.AudioQueueDepth(0)
		p.sinkFailed(err)
		return
	default:
		log.Warn().Err(err).Str("module", "app.audio").Str("call_id", string(p.callID)).Msg("segment rejected")
		p.d.Metrics.Segment("rejected")
	}
	p.drain()
}

func (p *Pipeline) sinkFailed(err error) {
	if p.d.Hooks.SinkFailed != nil {
		p.d.Hooks.SinkFailed(p.callID, err)
	}
}

// Stop tears down everything for the current call. Safe to call twice.
func (p *Pipeline) Stop() {
	if !p.running {
		return
	}
	p.running = false
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.stream != nil {
		p.stream.Stop()
		p.stream = nil
	}
	if p.queue != nil {
		if n := p.queue.Flush(); n > 0 {
			log.Debug().Str("module", "app.audio").Int("segments", n).Msg("queue flushed")
		}
		p.queue = nil
	}
	p.d.Metrics.AudioQueueDepth(0)
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.audio").Msg("sink close")
		}
		p.sink = nil
	}
	p.draining = false
	log.Info().Str("module", "app.audio").Str("call_id", string(p.callID)).Msg("pipeline stopped")
	p.callID = ""
}
