package orch

import (
	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) channelState(channel string, state core.ChannelState) {
	phase := o.calls.Phase()
	switch channel {
	case ChannelSignal:
		if state == core.ChannelOpen {
			o.cancelGrace()
			return
		}
		if state == core.ChannelDisposed || phase != domain.PhaseActive || o.stopGrace != nil {
			return
		}
		o.armGrace(o.calls.Call().ID)
		o.presenter.Error(core.ErrTransportDrop, "signaling connection lost")
	case ChannelRelay, ChannelTranscribe:
		// Audio and transcription resume on reopen; the call stays up.
		if state == core.ChannelClosed && phase == domain.PhaseActive {
			o.presenter.Error(core.ErrTransportDrop, channel+" connection lost")
		}
	}
}

func (o *Orchestrator) armGrace(callID domain.CallID) {
	log.Warn().Str("module", "app.orch").Str("call_id", string(callID)).Dur("grace", o.grace).Msg("signaling lost during call")
	o.stopGrace = o.exec.AfterFunc(o.grace, func() { o.graceExpired(callID) })
}

func (o *Orchestrator) cancelGrace() {
	if o.stopGrace != nil {
		o.stopGrace()
		o.stopGrace = nil
	}
}

func (o *Orchestrator) graceExpired(callID domain.CallID) {
	o.stopGrace = nil
	current := o.calls.Call()
	if current == nil || current.ID != callID || o.ch.Signal.IsOpen() {
		return
	}
	if o.calls.Terminate("signaling lost") {
		o.presenter.Error(core.ErrTransportDrop, "call ended: signaling did not recover")
	}
	o.syncCall()
}

func (o *Orchestrator) captureDenied(callID domain.CallID, err error) {
	o.presenter.Error(core.ErrCapabilityDenied, err.Error())
	if current := o.calls.Call(); current != nil && current.ID == callID {
		o.calls.Terminate("microphone unavailable")
	}
	o.syncCall()
}

// sinkFailed keeps the call; only playback is lost.
func (o *Orchestrator) sinkFailed(callID domain.CallID, err error) {
	log.Error().Err(err).Str("module", "app.orch").Str("call_id", string(callID)).Msg("playback failed")
	o.presenter.Error(core.ErrSinkFailure, err.Error())
}
