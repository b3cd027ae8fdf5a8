// Package orch owns the client session and routes every inbound frame,
// state change and user action through a single event loop.
package orch

import (
	"time"

	"github.com/dkeye/salescall/internal/app/audio"
	"github.com/dkeye/salescall/internal/app/call"
	"github.com/dkeye/salescall/internal/app/loop"
	"github.com/dkeye/salescall/internal/app/transcript"
	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/metrics"
	"github.com/dkeye/salescall/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	ChannelSignal     = "signal"
	ChannelRelay      = "relay"
	ChannelTranscribe = "transcribe"
)

type Channels struct {
	Signal     core.Transport
	Relay      core.Transport
	Transcribe core.Transport
}

func (c Channels) all() []core.Transport {
	return []core.Transport{c.Signal, c.Relay, c.Transcribe}
}

type Deps struct {
	Exec      loop.Runner
	Channels  Channels
	Presenter core.Presenter
	Sinks     core.SinkFactory
	Capture   core.CaptureProvider
	Ring      core.Indicator
	RingBack  core.Indicator
	Metrics   *metrics.Metrics
	IDs       *domain.CallIDGenerator
	Now       func() time.Time
	// SignalingGrace is how long an active call survives a signaling drop.
	SignalingGrace time.Duration
}

type Orchestrator struct {
	exec      loop.Runner
	ch        Channels
	presenter core.Presenter
	decoder   *protocol.Decoder
	grace     time.Duration

	session    domain.Session
	calls      *call.Machine
	media      *audio.Pipeline
	transcript *transcript.Aggregator
	stopGrace  func()
}

var _ core.ChannelListener = (*Orchestrator)(nil)

func New(d Deps) *Orchestrator {
	if d.Presenter == nil {
		d.Presenter = core.NopPresenter{}
	}
	if d.SignalingGrace <= 0 {
		d.SignalingGrace = 15 * time.Second
	}
	o := &Orchestrator{
		exec:       d.Exec,
		ch:         d.Channels,
		presenter:  d.Presenter,
		decoder:    protocol.MustDecoder(),
		grace:      d.SignalingGrace,
		transcript: transcript.NewAggregator(d.Metrics),
	}
	o.media = audio.NewPipeline(audio.Deps{
		Exec:       d.Exec,
		Relay:      d.Channels.Relay,
		Transcribe: d.Channels.Transcribe,
		Sinks:      d.Sinks,
		Capture:    d.Capture,
		Metrics:    d.Metrics,
		Hooks: audio.Hooks{
			CaptureDenied: o.captureDenied,
			SinkFailed:    o.sinkFailed,
		},
	})
	o.calls = call.NewMachine(call.Deps{
		Signal:     d.Channels.Signal,
		Transcribe: d.Channels.Transcribe,
		Media:      o.media,
		Transcript: o.transcript,
		Ring:       d.Ring,
		RingBack:   d.RingBack,
		Presenter:  d.Presenter,
		IDs:        d.IDs,
		Metrics:    d.Metrics,
		Now:        d.Now,
	})
	return o
}

// OnFrame is called from channel goroutines.
func (o *Orchestrator) OnFrame(channel string, kind core.FrameKind, data []byte) {
	o.exec.Post(func() { o.route(channel, kind, data) })
}

func (o *Orchestrator) OnState(channel string, state core.ChannelState) {
	o.exec.Post(func() { o.channelState(channel, state) })
}

func (o *Orchestrator) route(channel string, kind core.FrameKind, data []byte) {
	switch {
	case channel == ChannelRelay && kind == core.BinaryFrame:
		o.media.Receive(core.Frame(data))
	case kind != core.TextFrame:
		log.Debug().Str("module", "app.orch").Str("channel", channel).Int("bytes", len(data)).Msg("unexpected binary frame")
	case channel == ChannelSignal:
		if env, ok := o.decode(channel, data); ok {
			o.onSignal(env)
		}
	case channel == ChannelTranscribe:
		if env, ok := o.decode(channel, data); ok {
			o.onTranscription(env)
		}
	default:
		log.Debug().Str("module", "app.orch").Str("channel", channel).Msg("ignored text frame")
	}
}

func (o *Orchestrator) decode(channel string, data []byte) (protocol.Envelope, bool) {
	env, err := o.decoder.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("channel", channel).Msg("bad message")
		o.presenter.Error(core.ErrProtocolViolation, err.Error())
		return protocol.Envelope{}, false
	}
	return env, true
}

func (o *Orchestrator) onSignal(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventUserStatus:
		o.session.Users = domain.UserStatus{Sales: env.Sales, Customers: env.Customers}
		o.presenter.UserStatus(o.session.Users)
	case protocol.EventSetCookie:
		o.session.SessionID = env.SessionID
	case protocol.EventError:
		log.Warn().Str("module", "app.orch").Str("message", env.Message).Msg("server error")
		o.presenter.Error(core.ErrServerError, env.Message)
	default:
		if !o.calls.Handle(env) {
			log.Warn().Str("module", "app.orch").Str("event", env.Event).Msg("unknown signal")
		}
	}
	o.syncCall()
}

func (o *Orchestrator) onTranscription(env protocol.Envelope) {
	if env.Event == protocol.EventError {
		o.presenter.Error(core.ErrServerError, env.Message)
		return
	}
	ev, ok := transcript.FromEnvelope(env)
	if !ok {
		log.Debug().Str("module", "app.orch").Str("event", env.Event).Msg("ignored transcription message")
		return
	}
	if !o.transcript.Apply(ev) {
		return
	}
	if ev.Kind == transcript.KindInsight {
		o.presenter.Insight(ev.CallID, ev.Text)
		return
	}
	if snap, ok := o.transcript.Current(); ok {
		o.presenter.Transcript(snap)
	}
}

// syncCall mirrors the machine into the session and drops the grace timer
// once no call is left to protect.
func (o *Orchestrator) syncCall() {
	o.session.Call = o.calls.Call()
	if o.session.Call == nil {
		o.cancelGrace()
	}
}
