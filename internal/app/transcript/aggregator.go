// Package transcript keeps the live transcript and insight log of the
// current call.
package transcript

import (
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/metrics"
	"github.com/dkeye/salescall/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
	KindInsight Kind = "insight"
)

type Event struct {
	CallID domain.CallID
	Group  domain.Group
	Kind   Kind
	Text   string
}

// FromEnvelope maps a transcription-channel message to an Event.
func FromEnvelope(env protocol.Envelope) (Event, bool) {
	ev := Event{CallID: domain.CallID(env.CallID), Text: env.Text}
	switch env.Event {
	case protocol.EventTranscription:
		group, err := domain.ParseGroup(env.Group)
		if err != nil {
			return Event{}, false
		}
		ev.Group = group
		ev.Kind = KindPartial
		if env.IsFinal {
			ev.Kind = KindFinal
		}
	case protocol.EventInsight:
		ev.Kind = KindInsight
	default:
		return Event{}, false
	}
	return ev, true
}

// Aggregator is loop-owned. Between End and the next Begin it holds only Last.
type Aggregator struct {
	metrics *metrics.Metrics
	current *domain.TranscriptSnapshot
	last    *domain.TranscriptSnapshot
}

func NewAggregator(m *metrics.Metrics) *Aggregator {
	return &Aggregator{metrics: m}
}

func (a *Aggregator) Begin(callID domain.CallID) {
	a.current = &domain.TranscriptSnapshot{
		CallID:   callID,
		Partials: make(map[domain.Group]string),
		Finals:   make(map[domain.Group][]string),
	}
	log.Debug().Str("module", "app.transcript").Str("call_id", string(callID)).Msg("transcript begin")
}

// End freezes the current call. A second End is a no-op.
func (a *Aggregator) End() (domain.TranscriptSnapshot, bool) {
	if a.current == nil {
		return domain.TranscriptSnapshot{}, false
	}
	a.current.Ended = true
	a.last = a.current
	a.current = nil
	return a.last.Clone(), true
}

func (a *Aggregator) Last() (domain.TranscriptSnapshot, bool) {
	if a.last == nil {
		return domain.TranscriptSnapshot{}, false
	}
	return a.last.Clone(), true
}

func (a *Aggregator) Current() (domain.TranscriptSnapshot, bool) {
	if a.current == nil {
		return domain.TranscriptSnapshot{}, false
	}
	return a.current.Clone(), true
}

// Apply reports whether the event belonged to the current call.
func (a *Aggregator) Apply(ev Event) bool {
	if a.current == nil || ev.CallID == "" || ev.CallID != a.current.CallID {
		a.metrics.Transcript(string(ev.Kind), "discarded")
		log.Debug().Str("module", "app.transcript").Str("call_id", string(ev.CallID)).Msg("transcript event discarded")
		return false
	}
	switch ev.Kind {
	case KindPartial:
		a.current.Partials[ev.Group] = ev.Text
	case KindFinal:
		a.current.Finals[ev.Group] = append(a.current.Finals[ev.Group], ev.Text)
		delete(a.current.Partials, ev.Group)
	case KindInsight:
		a.current.Insights = append(a.current.Insights, ev.Text)
	default:
		a.metrics.Transcript(string(ev.Kind), "discarded")
		return false
	}
	a.metrics.Transcript(string(ev.Kind), "applied")
	return true
}
