package core

import "github.com/dkeye/salescall/internal/domain"

type ErrorKind string

const (
	ErrTransportDrop     ErrorKind = "transport_drop"
	ErrProtocolViolation ErrorKind = "protocol_violation"
	ErrCapabilityDenied  ErrorKind = "capability_denied"
	ErrSinkFailure       ErrorKind = "sink_failure"
	ErrServerError       ErrorKind = "server_error"
)

// Presenter is the user-facing boundary. All calls happen on the event loop.
type Presenter interface {
	PhaseChanged(phase domain.Phase, call *domain.Call)
	IncomingCall(callID domain.CallID, peer domain.Peer)
	UserStatus(status domain.UserStatus)
	Transcript(snap domain.TranscriptSnapshot)
	Insight(callID domain.CallID, text string)
	Error(kind ErrorKind, message string)
}

// Indicator is a ring or ring-back tone.
type Indicator interface {
	Start()
	Stop()
}

// NopPresenter ignores everything.
type NopPresenter struct{}

func (NopPresenter) PhaseChanged(domain.Phase, *domain.Call) {}
func (NopPresenter) IncomingCall(domain.CallID, domain.Peer) {}
func (NopPresenter) UserStatus(domain.UserStatus)            {}
func (NopPresenter) Transcript(domain.TranscriptSnapshot)    {}
func (NopPresenter) Insight(domain.CallID, string)           {}
func (NopPresenter) Error(ErrorKind, string)                 {}

type NopIndicator struct{}

func (NopIndicator) Start() {}
func (NopIndicator) Stop()  {}
