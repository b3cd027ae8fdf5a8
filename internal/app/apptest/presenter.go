package apptest

import (
	"sync"

	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
)

type ErrorNote struct {
	Kind    core.ErrorKind
	Message string
}

// Presenter records every notification.
type Presenter struct {
	mu          sync.Mutex
	Phases      []domain.Phase
	Incoming    []domain.CallID
	Statuses    []domain.UserStatus
	Transcripts []domain.TranscriptSnapshot
	Insights    []string
	Errors      []ErrorNote
}

var _ core.Presenter = (*Presenter)(nil)

func (p *Presenter) PhaseChanged(phase domain.Phase, _ *domain.Call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Phases = append(p.Phases, phase)
}

func (p *Presenter) IncomingCall(callID domain.CallID, _ domain.Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Incoming = append(p.Incoming, callID)
}

func (p *Presenter) UserStatus(status domain.UserStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Statuses = append(p.Statuses, status)
}

func (p *Presenter) Transcript(snap domain.TranscriptSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Transcripts = append(p.Transcripts, snap)
}

func (p *Presenter) Insight(_ domain.CallID, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Insights = append(p.Insights, text)
}

func (p *Presenter) Error(kind core.ErrorKind, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Errors = append(p.Errors, ErrorNote{Kind: kind, Message: message})
}

// ErrorKinds lists reported kinds in order.
func (p *Presenter) ErrorKinds() []core.ErrorKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.ErrorKind, 0, len(p.Errors))
	for _, e := range p.Errors {
		out = append(out, e.Kind)
	}
	return out
}

func (p *Presenter) LastPhase() domain.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Phases) == 0 {
		return ""
	}
	return p.Phases[len(p.Phases)-1]
}

// Indicator counts Start and Stop calls.
type Indicator struct {
	mu      sync.Mutex
	starts  int
	stops   int
	running bool
}

func (i *Indicator) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.starts++
	i.running = true
}

func (i *Indicator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stops++
	i.running = false
}

func (i *Indicator) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

func (i *Indicator) Starts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.starts
}
