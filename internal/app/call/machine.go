// Package call drives one call at a time through its phases and owns the
// reset that returns everything to idle.
package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/metrics"
	"github.com/dkeye/salescall/internal/protocol"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy              = errors.New("call in progress")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotRegistered     = errors.New("not registered")
	ErrNoTarget          = errors.New("no call target")
)

const (
	evDial      = "dial"
	evOffer     = "offer"
	evAccept    = "accept"
	evAnswered  = "answered"
	evReject    = "reject"
	evDeclined  = "declined"
	evTerminate = "terminate"
	evReset     = "reset"
)

var (
	idle       = string(domain.PhaseIdle)
	outgoing   = string(domain.PhaseOutgoing)
	offered    = string(domain.PhaseIncomingOffered)
	active     = string(domain.PhaseActive)
	finishing  = string(domain.PhaseTerminating)
	callEvents = fsm.Events{
		{Name: evDial, Src: []string{idle}, Dst: outgoing},
		{Name: evOffer, Src: []string{idle}, Dst: offered},
		{Name: evAccept, Src: []string{offered}, Dst: active},
		{Name: evAnswered, Src: []string{outgoing}, Dst: active},
		{Name: evReject, Src: []string{offered}, Dst: idle},
		{Name: evDeclined, Src: []string{outgoing}, Dst: idle},
		{Name: evTerminate, Src: []string{outgoing, offered, active}, Dst: finishing},
		{Name: evReset, Src: []string{finishing}, Dst: idle},
	}
)

// Media is the per-call audio pipeline.
type Media interface {
	Start(callID domain.CallID)
	Stop()
}

// Transcript is the per-call transcript log.
type Transcript interface {
	Begin(callID domain.CallID)
	End() (domain.TranscriptSnapshot, bool)
}

type Deps struct {
	Signal     core.Transport
	Transcribe core.Transport
	Media      Media
	Transcript Transcript
	Ring       core.Indicator
	RingBack   core.Indicator
	Presenter  core.Presenter
	IDs        *domain.CallIDGenerator
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Machine is loop-owned.
type Machine struct {
	d        Deps
	fsm      *fsm.FSM
	identity *domain.Identity
	call     *domain.Call
}

func NewMachine(d Deps) *Machine {
	if d.Ring == nil {
		d.Ring = core.NopIndicator{}
	}
	if d.RingBack == nil {
		d.RingBack = core.NopIndicator{}
	}
	if d.Presenter == nil {
		d.Presenter = core.NopPresenter{}
	}
	if d.IDs == nil {
		d.IDs = domain.NewCallIDGenerator(nil)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	m := &Machine{d: d}
	m.fsm = fsm.NewFSM(idle, callEvents, fsm.Callbacks{
		"after_event": func(_ context.Context, e *fsm.Event) {
			m.d.Metrics.CallEvent(e.Event)
			log.Info().Str("module", "app.call").Str("event", e.Event).
				Str("from", e.Src).Str("to", e.Dst).Msg("call transition")
		},
	})
	return m
}

func (m *Machine) Phase() domain.Phase { return domain.Phase(m.fsm.Current()) }

// Call returns a copy of the current call, or nil when idle.
func (m *Machine) Call() *domain.Call {
	if m.call == nil {
		return nil
	}
	c := *m.call
	return &c
}

func (m *Machine) SetIdentity(id *domain.Identity) { m.identity = id }

func (m *Machine) fire(event string) error {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s in %s: %v", ErrInvalidTransition, event, m.fsm.Current(), err)
	}
	phase := m.Phase()
	if phase == domain.PhaseIdle {
		m.reset()
	} else if m.call != nil {
		m.call.Phase = phase
	}
	m.d.Presenter.PhaseChanged(phase, m.Call())
	return nil
}

// reset runs on every entry to idle. It does nothing once the call is gone.
func (m *Machine) reset() {
	if m.call == nil {
		return
	}
	id := m.call.ID
	m.d.Ring.Stop()
	m.d.RingBack.Stop()
	if m.d.Media != nil {
		m.d.Media.Stop()
	}
	if m.d.Transcript != nil {
		m.d.Transcript.End()
	}
	if m.d.Transcribe != nil && m.d.Transcribe.IsOpen() {
		if err := m.d.Transcribe.Send(protocol.CallEnded(id)); err != nil {
			log.Warn().Err(err).Str("module", "app.call").Msg("transcription call_ended")
		}
	}
	m.call = nil
	log.Info().Str("module", "app.call").Str("call_id", string(id)).Msg("call reset")
}

func (m *Machine) send(env protocol.Envelope) {
	if err := m.d.Signal.Send(env); err != nil {
		log.Error().Err(err).Str("module", "app.call").Str("event", env.Event).Msg("signal send")
	}
}

func (m *Machine) stale(event string, callID domain.CallID) {
	m.d.Metrics.Stale(event)
	current := ""
	if m.call != nil {
		current = string(m.call.ID)
	}
	log.Warn().Str("module", "app.call").Str("event", event).Str("call_id", string(callID)).
		Str("current", current).Str("phase", string(m.Phase())).Msg("stale message dropped")
}

// matches accepts an absent id as the current call; the server omits it on
// call_accepted and call_ended.
func (m *Machine) matches(callID domain.CallID) bool {
	return m.call != nil && (callID == "" || callID == m.call.ID)
}

func (m *Machine) CallUser(target string) (domain.CallID, error) {
	if m.identity == nil {
		return "", ErrNotRegistered
	}
	if m.Phase() != domain.PhaseIdle {
		return "", ErrBusy
	}
	if target == "" {
		return "", ErrNoTarget
	}
	id := m.d.IDs.Next(m.identity.Username)
	m.call = &domain.Call{
		ID:        id,
		Phase:     domain.PhaseOutgoing,
		Peer:      domain.Peer{Group: m.identity.Group.Opposite(), Username: target},
		Outgoing:  true,
		StartedAt: m.d.Now(),
	}
	if m.d.Transcript != nil {
		m.d.Transcript.Begin(id)
	}
	m.send(protocol.CallUser(*m.identity, target, id))
	m.d.RingBack.Start()
	if err := m.fire(evDial); err != nil {
		return "", err
	}
	return id, nil
}

// OnIncoming handles an offer. A second offer while busy is refused.
func (m *Machine) OnIncoming(callID domain.CallID, from string) {
	if m.identity == nil {
		m.stale(protocol.EventIncomingCall, callID)
		return
	}
	peer := domain.Peer{Group: m.identity.Group.Opposite(), Username: from}
	if m.Phase() != domain.PhaseIdle {
		if m.call != nil && m.call.ID == callID {
			m.stale(protocol.EventIncomingCall, callID)
			return
		}
		log.Info().Str("module", "app.call").Str("call_id", string(callID)).Str("from", from).Msg("busy, rejecting offer")
		m.send(protocol.Reject(callID, peer, *m.identity, protocol.ReasonBusy))
		return
	}
	m.call = &domain.Call{
		ID:        callID,
		Phase:     domain.PhaseIncomingOffered,
		Peer:      peer,
		StartedAt: m.d.Now(),
	}
	m.d.Ring.Start()
	if err := m.fire(evOffer); err != nil {
		log.Error().Err(err).Str("module", "app.call").Msg("offer")
		return
	}
	m.d.Presenter.IncomingCall(callID, peer)
}

func (m *Machine) Accept() error {
	if m.Phase() != domain.PhaseIncomingOffered || m.call == nil {
		return fmt.Errorf("%w: accept in %s", ErrInvalidTransition, m.Phase())
	}
	id := m.call.ID
	m.send(protocol.AcceptCall(id, m.call.Peer, *m.identity))
	m.d.Ring.Stop()
	if m.d.Transcript != nil {
		m.d.Transcript.Begin(id)
	}
	if m.d.Media != nil {
		m.d.Media.Start(id)
	}
	return m.fire(evAccept)
}

func (m *Machine) Reject() error {
	if m.Phase() != domain.PhaseIncomingOffered || m.call == nil {
		return fmt.Errorf("%w: reject in %s", ErrInvalidTransition, m.Phase())
	}
	m.send(protocol.Reject(m.call.ID, m.call.Peer, *m.identity, ""))
	m.d.Ring.Stop()
	return m.fire(evReject)
}

// OnAccepted handles the callee's answer. The peer never changes here.
func (m *Machine) OnAccepted(callID domain.CallID, from string) {
	if m.Phase() != domain.PhaseOutgoing || !m.matches(callID) {
		m.stale(protocol.EventCallAccepted, callID)
		return
	}
	if from != "" && from != m.call.Peer.Username {
		log.Warn().Str("module", "app.call").Str("peer", m.call.Peer.Username).Str("from", from).Msg("accepted by unexpected user")
	}
	m.d.RingBack.Stop()
	if m.d.Media != nil {
		m.d.Media.Start(m.call.ID)
	}
	if err := m.fire(evAnswered); err != nil {
		log.Error().Err(err).Str("module", "app.call").Msg("answered")
	}
}

func (m *Machine) OnRejected(callID domain.CallID, reason string) {
	if m.Phase() != domain.PhaseOutgoing || !m.matches(callID) {
		m.stale(protocol.EventCallRejected, callID)
		return
	}
	log.Info().Str("module", "app.call").Str("call_id", string(m.call.ID)).Str("reason", reason).Msg("call declined")
	m.d.RingBack.Stop()
	if err := m.fire(evDeclined); err != nil {
		log.Error().Err(err).Str("module", "app.call").Msg("declined")
	}
}

func (m *Machine) HangUp() error {
	switch m.Phase() {
	case domain.PhaseActive, domain.PhaseOutgoing:
	default:
		return fmt.Errorf("%w: hang up in %s", ErrInvalidTransition, m.Phase())
	}
	m.send(protocol.HangUp(m.call.ID))
	return m.finish()
}

func (m *Machine) OnEnded(callID domain.CallID) {
	if m.Phase() == domain.PhaseIdle || !m.matches(callID) {
		m.stale(protocol.EventCallEnded, callID)
		return
	}
	if err := m.finish(); err != nil {
		log.Error().Err(err).Str("module", "app.call").Msg("remote end")
	}
}

// Terminate ends the call locally without telling the server.
func (m *Machine) Terminate(reason string) bool {
	if m.Phase() == domain.PhaseIdle {
		return false
	}
	log.Warn().Str("module", "app.call").Str("reason", reason).Msg("terminating call locally")
	if err := m.finish(); err != nil {
		log.Error().Err(err).Str("module", "app.call").Msg("terminate")
		return false
	}
	return true
}

func (m *Machine) finish() error {
	if err := m.fire(evTerminate); err != nil {
		return err
	}
	return m.fire(evReset)
}

// Handle dispatches call-control envelopes and reports whether env was one.
func (m *Machine) Handle(env protocol.Envelope) bool {
	id := domain.CallID(env.CallID)
	switch env.Event {
	case protocol.EventIncomingCall:
		m.OnIncoming(id, env.FromUser)
	case protocol.EventCallAccepted:
		m.OnAccepted(id, env.FromUser)
	case protocol.EventCallRejected:
		m.OnRejected(id, env.Reason)
	case protocol.EventCallEnded:
		m.OnEnded(id)
	default:
		return false
	}
	return true
}
